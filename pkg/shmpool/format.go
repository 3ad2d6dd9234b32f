package shmpool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// XMP1 region format constants.
const (
	// Region format version.
	xmp1Version = 1

	// Fixed header size in bytes.
	xmp1HeaderSize = 128

	// Fixed slot descriptor size in bytes.
	xmp1SlotSize = 64

	// Payload ranges are reserved in multiples of this (cache-line) size so
	// every slot's base offset stays 8-byte aligned.
	xmp1AllocAlign = 64
)

var xmp1Magic = [4]byte{'X', 'M', 'P', '1'}

// Header field offsets (bytes from region start).
//
// All 64-bit fields are 8-byte aligned relative to the mmap base (which is
// page aligned), as required for cross-process atomic access.
const (
	offMagic      = 0x00 // [4]byte
	offVersion    = 0x04 // uint32
	offHeaderSize = 0x08 // uint32
	offSlotSize   = 0x0C // uint32
	offCapacity   = 0x10 // uint64 (max slots)
	offDataSize   = 0x18 // uint64 (payload arena bytes)
	offSlotsOff   = 0x20 // uint64
	offDataOff    = 0x28 // uint64
	offAllocNext  = 0x30 // uint64 (atomic bump pointer, absolute region offset)
	offLiveSlots  = 0x38 // uint64 (atomic, statistics)
	offAllocSeq   = 0x40 // uint64 (atomic, monotonically increasing)
	offResvTail   = 0x48 // reserved bytes through 0x7F MUST be zero
)

// Slot descriptor field offsets (bytes from descriptor start).
//
// The descriptor size (64) and the slots offset (128) keep every field
// 8-byte aligned within the mapping.
const (
	slotOffState   = 0x00 // uint64 (atomic: free/reserved/live)
	slotOffRef     = 0x08 // int64 (atomic reference count)
	slotOffSize    = 0x10 // uint64 (bytes requested)
	slotOffBase    = 0x18 // uint64 (absolute region offset of payload)
	slotOffResvCap = 0x20 // uint64 (bytes reserved for the payload range)
	slotOffSeq     = 0x28 // uint64 (allocation sequence number)
	// 0x30..0x3F reserved.
)

// Slot state values (stored in the state word at slotOffState).
const (
	// slotFree: the descriptor holds no live data. A previously used slot
	// keeps its base/reserved-capacity fields for range reuse.
	slotFree uint64 = 0

	// slotReserved: claimed by an allocator that is still writing descriptor
	// fields. Readers must treat the slot as not valid.
	slotReserved uint64 = 1

	// slotLive: descriptor fields are published and the payload is valid.
	slotLive uint64 = 2
)

// xmp1Header is the decoded 128-byte region header.
type xmp1Header struct {
	Capacity  uint64
	DataSize  uint64
	SlotsOff  uint64
	DataOff   uint64
	AllocNext uint64
}

// encodeHeader serializes a fresh header for a region with the given
// geometry. Mutable fields (alloc pointer, counters) start at their initial
// values; the reserved tail is zero.
func encodeHeader(capacity uint32, dataSize uint64) []byte {
	slotsOff := uint64(xmp1HeaderSize)
	dataOff := slotsOff + uint64(capacity)*xmp1SlotSize

	buf := make([]byte, xmp1HeaderSize)
	copy(buf[offMagic:], xmp1Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], xmp1Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], xmp1HeaderSize)
	binary.LittleEndian.PutUint32(buf[offSlotSize:], xmp1SlotSize)
	binary.LittleEndian.PutUint64(buf[offCapacity:], uint64(capacity))
	binary.LittleEndian.PutUint64(buf[offDataSize:], dataSize)
	binary.LittleEndian.PutUint64(buf[offSlotsOff:], slotsOff)
	binary.LittleEndian.PutUint64(buf[offDataOff:], dataOff)
	binary.LittleEndian.PutUint64(buf[offAllocNext:], dataOff)

	return buf
}

// decodeHeader validates a raw 128-byte header and returns the decoded
// geometry. regionSize is the size of the backing file.
func decodeHeader(buf []byte, regionSize int64) (xmp1Header, error) {
	if len(buf) < xmp1HeaderSize {
		return xmp1Header{}, fmt.Errorf("header truncated at %d bytes: %w", len(buf), ErrCorrupt)
	}

	if !bytes.Equal(buf[offMagic:offMagic+4], xmp1Magic[:]) {
		return xmp1Header{}, fmt.Errorf("invalid magic %q, expected XMP1: %w", buf[offMagic:offMagic+4], ErrCorrupt)
	}

	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != xmp1Version {
		return xmp1Header{}, fmt.Errorf("unsupported version %d, expected %d: %w", v, xmp1Version, ErrCorrupt)
	}

	if hs := binary.LittleEndian.Uint32(buf[offHeaderSize:]); hs != xmp1HeaderSize {
		return xmp1Header{}, fmt.Errorf("unsupported header_size %d, expected %d: %w", hs, xmp1HeaderSize, ErrCorrupt)
	}

	if ss := binary.LittleEndian.Uint32(buf[offSlotSize:]); ss != xmp1SlotSize {
		return xmp1Header{}, fmt.Errorf("unsupported slot_size %d, expected %d: %w", ss, xmp1SlotSize, ErrCorrupt)
	}

	h := xmp1Header{
		Capacity:  binary.LittleEndian.Uint64(buf[offCapacity:]),
		DataSize:  binary.LittleEndian.Uint64(buf[offDataSize:]),
		SlotsOff:  binary.LittleEndian.Uint64(buf[offSlotsOff:]),
		DataOff:   binary.LittleEndian.Uint64(buf[offDataOff:]),
		AllocNext: binary.LittleEndian.Uint64(buf[offAllocNext:]),
	}

	if h.Capacity == 0 || h.Capacity > uint64(^uint32(0)) {
		return xmp1Header{}, fmt.Errorf("capacity %d out of range: %w", h.Capacity, ErrCorrupt)
	}

	if h.SlotsOff != xmp1HeaderSize {
		return xmp1Header{}, fmt.Errorf("slots_offset %d != header_size %d: %w", h.SlotsOff, xmp1HeaderSize, ErrCorrupt)
	}

	if want := h.SlotsOff + h.Capacity*xmp1SlotSize; h.DataOff != want {
		return xmp1Header{}, fmt.Errorf("data_offset %d != expected %d: %w", h.DataOff, want, ErrCorrupt)
	}

	if need := h.DataOff + h.DataSize; uint64(regionSize) < need {
		return xmp1Header{}, fmt.Errorf("region size %d < minimum required %d: %w", regionSize, need, ErrCorrupt)
	}

	return h, nil
}

// roundUpAlloc rounds a payload size up to the allocation granularity.
func roundUpAlloc(n uint64) uint64 {
	return (n + xmp1AllocAlign - 1) &^ uint64(xmp1AllocAlign-1)
}

// Atomic access helpers over the mmap'd region.
//
// sync/atomic compiles to plain hardware atomics, which synchronize across
// processes on a MAP_SHARED mapping the same way they do across threads.
// Every call site passes a sub-slice whose first byte is 8-byte aligned
// (header fields and descriptor fields are laid out for this; the mmap base
// is page aligned).

// atomicLoadUint64 performs an atomic 64-bit load from an 8-byte-aligned
// position in the buffer.
func atomicLoadUint64(buf []byte) uint64 {
	// Bounds check.
	_ = buf[7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint64 performs an atomic 64-bit store to an 8-byte-aligned
// position in the buffer.
func atomicStoreUint64(buf []byte, val uint64) {
	// Bounds check.
	_ = buf[7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}

// atomicCasUint64 performs an atomic 64-bit compare-and-swap at an
// 8-byte-aligned position in the buffer.
func atomicCasUint64(buf []byte, old, val uint64) bool {
	// Bounds check.
	_ = buf[7]

	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&buf[0])), old, val)
}

// atomicAddUint64 performs an atomic 64-bit add at an 8-byte-aligned
// position in the buffer and returns the new value.
func atomicAddUint64(buf []byte, delta uint64) uint64 {
	// Bounds check.
	_ = buf[7]

	return atomic.AddUint64((*uint64)(unsafe.Pointer(&buf[0])), delta)
}

// atomicLoadInt64 performs an atomic 64-bit load from an 8-byte-aligned
// position in the buffer and returns it as int64. Used for reference counts.
func atomicLoadInt64(buf []byte) int64 {
	// Bounds check.
	_ = buf[7]

	return atomic.LoadInt64((*int64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreInt64 performs an atomic 64-bit store to an 8-byte-aligned
// position in the buffer. Used for reference counts.
func atomicStoreInt64(buf []byte, val int64) {
	// Bounds check.
	_ = buf[7]

	atomic.StoreInt64((*int64)(unsafe.Pointer(&buf[0])), val)
}

// atomicCasInt64 performs an atomic 64-bit compare-and-swap at an
// 8-byte-aligned position in the buffer. Used for reference counts.
func atomicCasInt64(buf []byte, old, val int64) bool {
	// Bounds check.
	_ = buf[7]

	return atomic.CompareAndSwapInt64((*int64)(unsafe.Pointer(&buf[0])), old, val)
}

// atomicAddInt64 performs an atomic 64-bit add at an 8-byte-aligned position
// in the buffer and returns the new value. Used for reference counts.
func atomicAddInt64(buf []byte, delta int64) int64 {
	// Bounds check.
	_ = buf[7]

	return atomic.AddInt64((*int64)(unsafe.Pointer(&buf[0])), delta)
}
