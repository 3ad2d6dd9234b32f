// Package shmpool provides a cross-process shared-memory buffer pool.
//
// A pool is a named, mmap-backed region holding a fixed-size table of buffer
// slots plus a payload arena. Any number of processes can open the same pool
// by name and exchange buffers by slot index: one process acquires a slot,
// writes into its bytes, bumps the reference count, and hands the index to a
// peer, which attaches with Get and releases when done. All slot bookkeeping
// (reference counts, validity, allocation) is done with atomic operations on
// the shared mapping, so no in-process lock is ever required for correctness
// across processes.
//
// # Basic Usage
//
//	pool, err := shmpool.Open(shmpool.Options{Name: "/frames"})
//	if err != nil {
//	    // handle [ErrResource]/[ErrPermission]
//	}
//	defer pool.Close()
//
//	g, err := pool.AcquireCPU(4096)
//	if err != nil {
//	    // handle [ErrOutOfSlots]/[ErrOutOfMemory]
//	}
//	defer g.Close()
//
//	buf, _ := g.BytesMut()
//	copy(buf, payload)
//
//	// Hand g.MetaIndex() to another process; call g.Forget() first if that
//	// process takes over the reference.
//
// # Ownership
//
// AcquireCPU returns an owning guard: its Close releases one reference, and
// the slot returns to the free pool when the count reaches zero. Get returns
// an observing guard that never touches the count. Guards are single-owner
// handles; sharing a slot requires an explicit AddRef paired with a new Get.
// A guard that is never Closed leaks one reference - Go has no deterministic
// destructor, so Close (usually deferred) is the scope-exit hook.
//
// # Mutable Access
//
// BytesMut is granted only to an owning guard whose slot has a live reference
// count of exactly 1 at the time of the call. A slot shared with another
// owner may be read concurrently in another process, and no in-process lock
// can prevent that race, so mutable access under shared ownership is refused
// with [ErrAccessDenied]. Bytes (read access) is always permitted on a valid
// slot; it returns a raw view, not an enforced read-only one.
//
// # Lifecycle
//
// The region is process-external state: it persists after every handle is
// closed and is destroyed only by an explicit [Unlink]. Closing a pool handle
// unmaps it locally and nothing more.
package shmpool
