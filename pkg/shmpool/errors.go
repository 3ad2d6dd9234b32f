package shmpool

import "errors"

// Sentinel errors returned by shmpool operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, shmpool.ErrOutOfMemory) {
//	    // retry with a smaller size
//	}
var (
	// ErrResource indicates the shared region could not be created or opened,
	// or an existing region has incompatible geometry (capacity, data size).
	//
	// Recovery: fix the name/options, or [Unlink] and recreate the pool.
	ErrResource = errors.New("shmpool: resource")

	// ErrPermission indicates the OS denied access to the underlying shared
	// memory object.
	//
	// Recovery: run with appropriate permissions or choose another name.
	ErrPermission = errors.New("shmpool: permission")

	// ErrCorrupt indicates the region exists but its header is damaged or not
	// a shmpool region (bad magic, version, or layout).
	//
	// Recovery: [Unlink] and recreate the pool.
	ErrCorrupt = errors.New("shmpool: corrupt")

	// ErrOutOfSlots indicates every slot in the table holds a live reference.
	//
	// Recovery: release buffers, or recreate the pool with a larger
	// [Options.Capacity].
	ErrOutOfSlots = errors.New("shmpool: out of slots")

	// ErrOutOfMemory indicates the payload arena cannot satisfy the requested
	// number of bytes. Freed slots keep their reserved byte ranges for reuse,
	// but ranges are never coalesced, so mixed-size churn can exhaust the
	// arena before the slot table.
	//
	// Recovery: retry with a smaller size, or recreate the pool with a larger
	// [Options.DataSize].
	ErrOutOfMemory = errors.New("shmpool: out of memory")

	// ErrInvalidIndex indicates a slot index is out of range or the slot does
	// not currently hold live data.
	ErrInvalidIndex = errors.New("shmpool: invalid index")

	// ErrRefCountUnderflow indicates a release was attempted on a slot whose
	// reference count is already zero.
	//
	// This is a programming error: some owner released twice, or released a
	// reference it never held.
	ErrRefCountUnderflow = errors.New("shmpool: ref count underflow")

	// ErrAccessDenied indicates mutable access was requested without
	// exclusive ownership: the guard is observing, or the slot's live
	// reference count is not exactly 1.
	//
	// Recovery: drop extra references, or copy out via Bytes instead.
	ErrAccessDenied = errors.New("shmpool: access denied")

	// ErrClosed indicates the [Pool] or [Guard] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("shmpool: closed")

	// ErrBusy indicates the pool handle still has open guards.
	//
	// Recovery: close (or forget and close) all guards, then Close the pool.
	ErrBusy = errors.New("shmpool: busy")

	// ErrInvalidInput indicates invalid arguments were provided.
	//
	// Common causes: empty name, non-positive size, zero count.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("shmpool: invalid input")
)
