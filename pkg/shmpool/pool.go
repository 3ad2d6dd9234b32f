package shmpool

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Defaults applied by [Open] when the corresponding option is zero and the
// region does not exist yet.
const (
	// DefaultCapacity is the default maximum number of slots.
	DefaultCapacity = 1024

	// DefaultDataSize is the default payload arena size in bytes. The region
	// file is sparse, so untouched arena pages cost no memory.
	DefaultDataSize = 64 << 20
)

// Options configure opening or creating a pool.
type Options struct {
	// Name identifies the pool region, shm_open style ("/frames").
	// Required.
	Name string

	// Capacity is the maximum number of slots, fixed at creation.
	// Zero means: adopt the existing region's capacity, or DefaultCapacity
	// when creating. A non-zero value must match an existing region or Open
	// fails with [ErrResource].
	Capacity uint32

	// DataSize is the payload arena size in bytes, fixed at creation.
	// Zero behaves like Capacity: adopt or default.
	DataSize uint64

	// Dir overrides the region directory (default [DefaultDir]). Mainly for
	// tests; any mmap-able filesystem works, but cross-process semantics
	// assume all participants use the same directory.
	Dir string
}

// Pool is a handle on a shared-memory buffer pool.
//
// Multiple Pool handles - in one process or many - attached to the same name
// share the slot table and payload arena. All methods are safe for concurrent
// use.
type Pool struct {
	mu sync.Mutex // protects handle-level state (isClosed, openGuards)

	name       string
	path       string
	fd         int
	data       []byte // mmap'd region
	regionSize int64

	// Cached immutable geometry from the header.
	capacity uint32
	dataSize uint64
	slotsOff uint64
	dataOff  uint64

	isClosed   bool
	openGuards int // guards issued by this handle and not yet closed
}

// Stats is a point-in-time snapshot of pool usage.
//
// Counters are read individually with atomic loads; under concurrent
// mutation the snapshot is approximate, never torn.
type Stats struct {
	Capacity  uint32 // slot table size
	LiveSlots uint64 // slots currently holding live data
	DataSize  uint64 // payload arena size in bytes
	DataUsed  uint64 // arena bytes ever reserved (never shrinks)
	AllocSeq  uint64 // total allocations over the region's lifetime
}

// Open creates or opens the named pool region.
//
// Creation zero-initializes the slot table; opening attaches to existing
// state without resetting anything. A lost creation race degrades to a plain
// open. Fails with [ErrResource] on geometry mismatch, [ErrPermission] when
// the OS denies access, [ErrCorrupt] when the region is not a valid pool.
func Open(opts Options) (*Pool, error) {
	path, err := regionPath(opts.Dir, opts.Name)
	if err != nil {
		return nil, err
	}

	for {
		fd, data, size, err := mapRegion(path)
		if err == nil {
			p, openErr := attach(opts, path, fd, data, size)
			if openErr != nil {
				_ = unix.Munmap(data)
				_ = unix.Close(fd)

				return nil, openErr
			}

			return p, nil
		}

		if !errors.Is(err, unix.ENOENT) {
			if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrResource) || errors.Is(err, ErrPermission) {
				return nil, err
			}

			return nil, mapOSError("open region", err)
		}

		// Region doesn't exist - create it.
		capacity := opts.Capacity
		if capacity == 0 {
			capacity = DefaultCapacity
		}

		dataSize := opts.DataSize
		if dataSize == 0 {
			dataSize = DefaultDataSize
		}

		header := encodeHeader(capacity, dataSize)
		total, err := regionSizeFor(capacity, dataSize)
		if err != nil {
			return nil, err
		}

		createErr := createRegion(path, header, total)
		if createErr != nil && !errors.Is(createErr, errRegionExists) {
			return nil, createErr
		}

		// Created (or another process won the race); next iteration opens it.
	}
}

// regionSizeFor computes the total region file size for a geometry, guarding
// against overflow of the sparse-file size.
func regionSizeFor(capacity uint32, dataSize uint64) (int64, error) {
	dataOff := uint64(xmp1HeaderSize) + uint64(capacity)*xmp1SlotSize

	total := dataOff + dataSize
	if total < dataSize || total > uint64(maxInt64) {
		return 0, fmt.Errorf("region size %d+%d overflows: %w", dataOff, dataSize, ErrInvalidInput)
	}

	return int64(total), nil
}

const maxInt64 = int64(^uint64(0) >> 1)

// attach validates an mmap'd region against the options and builds the Pool.
func attach(opts Options, path string, fd int, data []byte, size int64) (*Pool, error) {
	hdr, err := decodeHeader(data, size)
	if err != nil {
		return nil, err
	}

	if opts.Capacity != 0 && hdr.Capacity != uint64(opts.Capacity) {
		return nil, fmt.Errorf("capacity mismatch: region has %d, expected %d: %w", hdr.Capacity, opts.Capacity, ErrResource)
	}

	if opts.DataSize != 0 && hdr.DataSize != opts.DataSize {
		return nil, fmt.Errorf("data_size mismatch: region has %d, expected %d: %w", hdr.DataSize, opts.DataSize, ErrResource)
	}

	return &Pool{
		name:       opts.Name,
		path:       path,
		fd:         fd,
		data:       data,
		regionSize: size,
		capacity:   uint32(hdr.Capacity),
		dataSize:   hdr.DataSize,
		slotsOff:   hdr.SlotsOff,
		dataOff:    hdr.DataOff,
	}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Capacity returns the maximum number of slots.
func (p *Pool) Capacity() uint32 {
	return p.capacity
}

// Close unmaps this handle. The region and all slot state survive; other
// handles and processes are unaffected.
//
// Fails with [ErrBusy] while guards issued by this handle are still open,
// since closing would invalidate their views.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return nil
	}

	if p.openGuards > 0 {
		return ErrBusy
	}

	p.isClosed = true

	if p.data != nil {
		_ = unix.Munmap(p.data)
		p.data = nil
	}

	if p.fd >= 0 {
		_ = unix.Close(p.fd)
		p.fd = -1
	}

	return nil
}

// slot returns the descriptor bytes for a slot index. Index must already be
// range-checked.
func (p *Pool) slot(index uint32) []byte {
	off := p.slotsOff + uint64(index)*xmp1SlotSize

	return p.data[off : off+xmp1SlotSize]
}

// header returns the region header bytes.
func (p *Pool) header() []byte {
	return p.data[:xmp1HeaderSize]
}

// checkOpen fails fast when the handle is closed.
func (p *Pool) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isClosed {
		return ErrClosed
	}

	return nil
}

// checkIndex validates an index against the slot table bounds.
func (p *Pool) checkIndex(index uint32) error {
	if index >= p.capacity {
		return fmt.Errorf("index %d >= capacity %d: %w", index, p.capacity, ErrInvalidIndex)
	}

	return nil
}

// AcquireCPU allocates a buffer of size bytes and returns an owning guard.
//
// The slot table is scanned for the first slot whose reference count is zero;
// the slot is claimed by CAS, backed with payload bytes, and published with
// ref_count 1. A freed slot's previously reserved range is reused when it is
// large enough; otherwise a fresh range is bump-allocated from the arena.
//
// Fails with [ErrOutOfSlots] when no slot is claimable, [ErrOutOfMemory] when
// the arena cannot back the request.
func (p *Pool) AcquireCPU(size int) (*Guard, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	if size <= 0 {
		return nil, fmt.Errorf("size must be > 0, got %d: %w", size, ErrInvalidInput)
	}

	index, base, err := p.claimSlot(uint64(size))
	if err != nil {
		return nil, err
	}

	g := &Guard{
		pool:      p,
		metaIndex: index,
		size:      uint64(size),
		base:      base,
		owning:    true,
	}

	p.mu.Lock()
	p.openGuards++
	p.mu.Unlock()

	return g, nil
}

// claimSlot scans for a free slot, claims it and publishes the descriptor.
// Returns the slot index and the payload base offset.
func (p *Pool) claimSlot(size uint64) (uint32, uint64, error) {
	rounded := roundUpAlloc(size)
	arenaFull := false

	for index := uint32(0); index < p.capacity; index++ {
		desc := p.slot(index)

		if atomicLoadInt64(desc[slotOffRef:]) != 0 {
			continue
		}

		// Claim: the 0->1 CAS on ref_count is the only allocation commit
		// point; everything after runs with the slot exclusively ours.
		if !atomicCasInt64(desc[slotOffRef:], 0, 1) {
			continue
		}

		prevState := atomicLoadUint64(desc[slotOffState:])
		atomicStoreUint64(desc[slotOffState:], slotReserved)

		base := atomicLoadUint64(desc[slotOffBase:])
		resvCap := atomicLoadUint64(desc[slotOffResvCap:])

		if resvCap < rounded {
			newBase, allocErr := p.reserveBytes(rounded)
			if allocErr != nil {
				// Arena exhausted for this size. Unclaim and keep scanning: a
				// later free slot may carry a large enough reserved range.
				atomicStoreUint64(desc[slotOffState:], prevState)
				atomicStoreInt64(desc[slotOffRef:], 0)

				arenaFull = true

				continue
			}

			base = newBase
			resvCap = rounded
		}

		seq := atomicAddUint64(p.header()[offAllocSeq:], 1)

		atomicStoreUint64(desc[slotOffSize:], size)
		atomicStoreUint64(desc[slotOffBase:], base)
		atomicStoreUint64(desc[slotOffResvCap:], resvCap)
		atomicStoreUint64(desc[slotOffSeq:], seq)

		if prevState != slotLive {
			atomicAddUint64(p.header()[offLiveSlots:], 1)
		}

		// Publish: size/base/ref_count become visible together once the
		// state word flips to live.
		atomicStoreUint64(desc[slotOffState:], slotLive)

		return index, base, nil
	}

	if arenaFull {
		return 0, 0, fmt.Errorf("cannot back %d bytes: %w", size, ErrOutOfMemory)
	}

	return 0, 0, fmt.Errorf("all %d slots hold live references: %w", p.capacity, ErrOutOfSlots)
}

// reserveBytes bump-allocates rounded bytes from the payload arena and
// returns the absolute region offset of the range.
func (p *Pool) reserveBytes(rounded uint64) (uint64, error) {
	next := p.header()[offAllocNext:]
	limit := p.dataOff + p.dataSize

	for {
		cur := atomicLoadUint64(next)
		if cur+rounded > limit || cur+rounded < cur {
			return 0, ErrOutOfMemory
		}

		if atomicCasUint64(next, cur, cur+rounded) {
			return cur, nil
		}
	}
}

// PreallocateCPU performs count independent allocations of size bytes and
// returns the slot indices. No guards are returned: every slot is left at
// ref_count 1 with no automatic release attached, so the caller's own
// bookkeeping must eventually pair each index with a Release. This is the
// bulk-provisioning escape hatch from the owning-guard protocol.
//
// On failure, slots already allocated by this call are released again and
// the error is returned.
func (p *Pool) PreallocateCPU(size, count int) ([]uint32, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	if count <= 0 {
		return nil, fmt.Errorf("count must be > 0, got %d: %w", count, ErrInvalidInput)
	}

	indices := make([]uint32, 0, count)

	for n := 0; n < count; n++ {
		g, err := p.AcquireCPU(size)
		if err != nil {
			for _, idx := range indices {
				_, _ = p.Release(idx)
			}

			return nil, err
		}

		indices = append(indices, g.MetaIndex())

		// Keep the reference; the guard itself is retired.
		g.Forget()
		_ = g.Close()
	}

	return indices, nil
}

// Get attaches an observing, read-only guard to an existing live slot.
// The reference count is not changed; closing the guard changes nothing
// either. Callers that need the slot to outlive the current owner must pair
// this with an explicit AddRef.
func (p *Pool) Get(index uint32) (*Guard, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	if err := p.checkIndex(index); err != nil {
		return nil, err
	}

	desc := p.slot(index)

	if atomicLoadUint64(desc[slotOffState:]) != slotLive {
		return nil, fmt.Errorf("slot %d is not valid: %w", index, ErrInvalidIndex)
	}

	size := atomicLoadUint64(desc[slotOffSize:])
	base := atomicLoadUint64(desc[slotOffBase:])

	// Re-check after reading the fields: a concurrent re-allocation flips the
	// state away from live before touching them, so a stable live state
	// brackets a consistent (size, base) pair.
	if atomicLoadUint64(desc[slotOffState:]) != slotLive {
		return nil, fmt.Errorf("slot %d is not valid: %w", index, ErrInvalidIndex)
	}

	g := &Guard{
		pool:      p,
		metaIndex: index,
		size:      size,
		base:      base,
		owning:    false,
	}

	p.mu.Lock()
	p.openGuards++
	p.mu.Unlock()

	return g, nil
}

// RefCount returns the slot's current reference count. Valid for any
// in-range index, including free slots (which report 0).
func (p *Pool) RefCount(index uint32) (int64, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}

	if err := p.checkIndex(index); err != nil {
		return 0, err
	}

	return atomicLoadInt64(p.slot(index)[slotOffRef:]), nil
}

// AddRef atomically increments the slot's reference count and returns the
// new count. Used when an additional owner outside the guard protocol (for
// example another process) starts using the slot. The slot must be live.
func (p *Pool) AddRef(index uint32) (int64, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}

	if err := p.checkIndex(index); err != nil {
		return 0, err
	}

	desc := p.slot(index)

	if atomicLoadUint64(desc[slotOffState:]) != slotLive {
		return 0, fmt.Errorf("slot %d is not valid: %w", index, ErrInvalidIndex)
	}

	return atomicAddInt64(desc[slotOffRef:], 1), nil
}

// Release atomically decrements the slot's reference count and returns the
// new count. When the count reaches zero the slot is invalidated and returns
// to the free pool for future acquisition.
//
// Decrementing past zero fails with [ErrRefCountUnderflow]; the count never
// wraps or goes negative.
func (p *Pool) Release(index uint32) (int64, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}

	if err := p.checkIndex(index); err != nil {
		return 0, err
	}

	desc := p.slot(index)

	for {
		cur := atomicLoadInt64(desc[slotOffRef:])
		if cur <= 0 {
			return 0, fmt.Errorf("slot %d already at ref count %d: %w", index, cur, ErrRefCountUnderflow)
		}

		if cur == 1 {
			// Dropping the last reference. Invalidate before the count hits
			// zero: allocators treat ref_count==0 as claimable, so the state
			// word must already be free by then - a claimer must never race
			// our invalidation after it claimed.
			wasLive := atomicCasUint64(desc[slotOffState:], slotLive, slotFree)

			if !atomicCasInt64(desc[slotOffRef:], 1, 0) {
				// Lost a race against a concurrent AddRef/SetRefCount.
				// Undo the invalidation and retry.
				if wasLive {
					atomicCasUint64(desc[slotOffState:], slotFree, slotLive)
				}

				continue
			}

			if wasLive {
				atomicAddUint64(p.header()[offLiveSlots:], ^uint64(0))
			}

			return 0, nil
		}

		if atomicCasInt64(desc[slotOffRef:], cur, cur-1) {
			return cur - 1, nil
		}
	}
}

// SetRefCount atomically sets the slot's reference count to exactly n.
//
// This is an administrative override for ownership held outside the guard
// protocol (for example a remote consumer known to hold references). It never
// allocates or frees a slot: setting 0 leaves the slot valid but claimable by
// a future acquisition. Normal flows should only ever move the count by one
// via AddRef/Release.
func (p *Pool) SetRefCount(index uint32, n int64) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	if n < 0 {
		return fmt.Errorf("ref count must be >= 0, got %d: %w", n, ErrInvalidInput)
	}

	if err := p.checkIndex(index); err != nil {
		return err
	}

	desc := p.slot(index)

	if atomicLoadUint64(desc[slotOffState:]) != slotLive {
		return fmt.Errorf("slot %d is not valid: %w", index, ErrInvalidIndex)
	}

	atomicStoreInt64(desc[slotOffRef:], n)

	return nil
}

// Stats returns a usage snapshot for the region.
func (p *Pool) Stats() (Stats, error) {
	if err := p.checkOpen(); err != nil {
		return Stats{}, err
	}

	hdr := p.header()

	return Stats{
		Capacity:  p.capacity,
		LiveSlots: atomicLoadUint64(hdr[offLiveSlots:]),
		DataSize:  p.dataSize,
		DataUsed:  atomicLoadUint64(hdr[offAllocNext:]) - p.dataOff,
		AllocSeq:  atomicLoadUint64(hdr[offAllocSeq:]),
	}, nil
}

// retireGuard is called by Guard.Close exactly once per guard.
func (p *Pool) retireGuard() {
	p.mu.Lock()
	p.openGuards--
	p.mu.Unlock()
}
