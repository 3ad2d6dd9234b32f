package shmpool

import (
	"fmt"
	"sync"
)

// Guard is a scoped handle bound to one slot.
//
// Owning guards come from [Pool.AcquireCPU] and release their reference on
// Close; observing guards come from [Pool.Get] and never touch the count.
// A guard belongs to the caller that received it - duplicating access to the
// slot requires an explicit [Pool.AddRef] paired with a fresh [Pool.Get].
//
// Close must run on every exit path (normally via defer). A guard that is
// never closed holds its reference forever; that is a leak in the caller,
// not a pool malfunction.
type Guard struct {
	pool      *Pool
	metaIndex uint32
	size      uint64
	base      uint64
	owning    bool

	mu        sync.Mutex // protects forgotten/isClosed
	forgotten bool
	isClosed  bool
}

// MetaIndex returns the slot index this guard is bound to. Stable for the
// guard's lifetime; this is the token to hand to other processes.
func (g *Guard) MetaIndex() uint32 {
	return g.metaIndex
}

// Size returns the buffer size in bytes, as requested at allocation.
func (g *Guard) Size() int {
	return int(g.size)
}

// IsValid reports whether the slot currently holds live data.
//
// This is a best-effort snapshot: the flag can change concurrently the
// moment it is read. Correctness under sharing comes from the reference
// count discipline, not from polling this.
func (g *Guard) IsValid() bool {
	if g.pool.checkOpen() != nil {
		return false
	}

	desc := g.pool.slot(g.metaIndex)

	return atomicLoadUint64(desc[slotOffState:]) == slotLive
}

// Bytes returns a read view of the slot's backing bytes.
//
// Permitted on any valid slot regardless of ownership mode: this is a raw
// view, not an enforced read-only one, and callers under shared ownership
// are trusted not to write through it.
func (g *Guard) Bytes() ([]byte, error) {
	if err := g.checkUsable(); err != nil {
		return nil, err
	}

	return g.view(), nil
}

// BytesMut returns a mutable view of the slot's backing bytes, or
// [ErrAccessDenied] when exclusive ownership cannot be established.
func (g *Guard) BytesMut() ([]byte, error) {
	if err := g.checkUsable(); err != nil {
		return nil, err
	}

	if err := g.arbitrateMutable(); err != nil {
		return nil, err
	}

	return g.view(), nil
}

// arbitrateMutable decides whether a mutable view may be handed out.
//
// The rule: the guard must be owning, and the slot's reference count must be
// exactly 1 at this moment. The count is re-read on every call rather than
// captured at guard creation, because another process can AddRef between
// creation and access; once a slot has more than one owner, a concurrent
// reader in another process is possible and no in-process lock can exclude
// it. Observing guards never established ownership and are always refused.
func (g *Guard) arbitrateMutable() error {
	if !g.owning {
		return fmt.Errorf("observing guard on slot %d: %w", g.metaIndex, ErrAccessDenied)
	}

	desc := g.pool.slot(g.metaIndex)

	if rc := atomicLoadInt64(desc[slotOffRef:]); rc != 1 {
		return fmt.Errorf("slot %d has ref count %d, need exclusive ownership: %w", g.metaIndex, rc, ErrAccessDenied)
	}

	return nil
}

// checkUsable verifies guard, pool and slot are all in a state where the
// backing bytes may be exposed.
func (g *Guard) checkUsable() error {
	g.mu.Lock()
	closed := g.isClosed
	g.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if err := g.pool.checkOpen(); err != nil {
		return err
	}

	desc := g.pool.slot(g.metaIndex)
	if atomicLoadUint64(desc[slotOffState:]) != slotLive {
		return fmt.Errorf("slot %d is not valid: %w", g.metaIndex, ErrInvalidIndex)
	}

	return nil
}

// view slices the slot's payload out of the mapping. The full capacity slice
// expression keeps callers from growing into a neighbor's range.
func (g *Guard) view() []byte {
	return g.pool.data[g.base : g.base+g.size : g.base+g.size]
}

// Forget detaches the guard from its automatic-release responsibility:
// a later Close releases nothing. The accessors stay usable - the slot
// itself is untouched. Idempotent.
//
// Typical use is handing the reference to another process: forget here,
// Release there.
func (g *Guard) Forget() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forgotten = true
}

// Close retires the guard. For an owning guard that was not forgotten this
// releases exactly one reference; observing and forgotten guards release
// nothing. Idempotent; the first call decides.
//
// A release failure (for example underflow after an administrative
// SetRefCount) is returned but the guard is retired regardless, so Close in
// a defer can never wedge an unwind.
func (g *Guard) Close() error {
	g.mu.Lock()

	if g.isClosed {
		g.mu.Unlock()

		return nil
	}

	g.isClosed = true
	release := g.owning && !g.forgotten
	g.mu.Unlock()

	g.pool.retireGuard()

	if !release {
		return nil
	}

	_, err := g.pool.Release(g.metaIndex)

	return err
}
