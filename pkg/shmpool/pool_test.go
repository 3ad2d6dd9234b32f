package shmpool_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/dayn9t/xmem/pkg/shmpool"
)

// newTestOptions returns options for a small pool backed by a temp dir, so
// tests never touch /dev/shm and clean up automatically.
func newTestOptions(t *testing.T) shmpool.Options {
	t.Helper()

	return shmpool.Options{
		Name:     "/t1",
		Capacity: 16,
		DataSize: 64 * 1024,
		Dir:      t.TempDir(),
	}
}

func openTestPool(t *testing.T, opts shmpool.Options) *shmpool.Pool {
	t.Helper()

	pool, err := shmpool.Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = pool.Close() })

	return pool
}

func Test_AcquireCPU_Returns_Owning_Guard_With_RefCount_1(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(1024)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	defer func() { _ = g.Close() }()

	if g.MetaIndex() != 0 {
		t.Errorf("MetaIndex = %d, want 0", g.MetaIndex())
	}

	if g.Size() != 1024 {
		t.Errorf("Size = %d, want 1024", g.Size())
	}

	if !g.IsValid() {
		t.Error("IsValid = false, want true")
	}

	rc, err := pool.RefCount(g.MetaIndex())
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}

	if rc != 1 {
		t.Errorf("RefCount = %d, want 1", rc)
	}
}

func Test_AddRef_Then_Release_Round_Trips_RefCount(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	defer func() { _ = g.Close() }()

	before, _ := pool.RefCount(g.MetaIndex())

	n, err := pool.AddRef(g.MetaIndex())
	if err != nil {
		t.Fatalf("AddRef: %v", err)
	}

	if n != before+1 {
		t.Errorf("AddRef = %d, want %d", n, before+1)
	}

	n, err = pool.Release(g.MetaIndex())
	if err != nil {
		t.Fatalf("Release: %v", err)
	}

	if n != before {
		t.Errorf("Release = %d, want %d", n, before)
	}
}

func Test_Release_To_Zero_Makes_Slot_Reusable(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(128)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	index := g.MetaIndex()

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rc, err := pool.RefCount(index)
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}

	if rc != 0 {
		t.Fatalf("RefCount after release = %d, want 0", rc)
	}

	// The freed slot must be claimed again by the next allocation.
	g2, err := pool.AcquireCPU(128)
	if err != nil {
		t.Fatalf("AcquireCPU after release: %v", err)
	}

	defer func() { _ = g2.Close() }()

	if g2.MetaIndex() != index {
		t.Errorf("reused MetaIndex = %d, want %d", g2.MetaIndex(), index)
	}

	rc, _ = pool.RefCount(g2.MetaIndex())
	if rc != 1 {
		t.Errorf("reused slot RefCount = %d, want 1", rc)
	}
}

func Test_Forget_Leaves_RefCount_Unchanged_On_Close(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(1024)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	index := g.MetaIndex()

	g.Forget()

	if err := g.Close(); err != nil {
		t.Fatalf("Close after Forget: %v", err)
	}

	rc, err := pool.RefCount(index)
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}

	if rc != 1 {
		t.Errorf("RefCount after forgotten Close = %d, want 1", rc)
	}
}

// Scenario from the original producer/consumer flow: acquire, share with a
// second owner, first owner drops out.
func Test_RefCount_Follows_Acquire_AddRef_Release_Sequence(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Capacity = 1024

	pool := openTestPool(t, opts)

	g, err := pool.AcquireCPU(1024)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	defer func() { _ = g.Close() }()

	if g.MetaIndex() != 0 {
		t.Fatalf("MetaIndex = %d, want 0", g.MetaIndex())
	}

	if n, _ := pool.AddRef(0); n != 2 {
		t.Errorf("AddRef = %d, want 2", n)
	}

	if n, _ := pool.Release(0); n != 1 {
		t.Errorf("Release = %d, want 1", n)
	}
}

func Test_Release_Past_Zero_Fails_With_ErrRefCountUnderflow(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	index := g.MetaIndex()

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = pool.Release(index)
	if !errors.Is(err, shmpool.ErrRefCountUnderflow) {
		t.Errorf("Release on free slot = %v, want ErrRefCountUnderflow", err)
	}
}

func Test_SetRefCount_Sets_Count_Exactly(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	defer func() { _ = g.Close() }()

	if err := pool.SetRefCount(g.MetaIndex(), 5); err != nil {
		t.Fatalf("SetRefCount: %v", err)
	}

	rc, _ := pool.RefCount(g.MetaIndex())
	if rc != 5 {
		t.Errorf("RefCount = %d, want 5", rc)
	}

	if err := pool.SetRefCount(g.MetaIndex(), 1); err != nil {
		t.Fatalf("SetRefCount back to 1: %v", err)
	}

	err = pool.SetRefCount(g.MetaIndex(), -1)
	if !errors.Is(err, shmpool.ErrInvalidInput) {
		t.Errorf("SetRefCount(-1) = %v, want ErrInvalidInput", err)
	}
}

func Test_Get_Fails_With_ErrInvalidIndex_When_Slot_Not_Valid(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	// Out of range.
	_, err := pool.Get(999)
	if !errors.Is(err, shmpool.ErrInvalidIndex) {
		t.Errorf("Get(999) = %v, want ErrInvalidIndex", err)
	}

	// In range but never allocated.
	_, err = pool.Get(3)
	if !errors.Is(err, shmpool.ErrInvalidIndex) {
		t.Errorf("Get(3) = %v, want ErrInvalidIndex", err)
	}

	_, err = pool.RefCount(999)
	if !errors.Is(err, shmpool.ErrInvalidIndex) {
		t.Errorf("RefCount(999) = %v, want ErrInvalidIndex", err)
	}
}

func Test_AcquireCPU_Fails_With_ErrOutOfSlots_When_Table_Full(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Capacity = 2

	pool := openTestPool(t, opts)

	g1, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU 1: %v", err)
	}

	defer func() { _ = g1.Close() }()

	g2, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU 2: %v", err)
	}

	defer func() { _ = g2.Close() }()

	_, err = pool.AcquireCPU(64)
	if !errors.Is(err, shmpool.ErrOutOfSlots) {
		t.Errorf("AcquireCPU 3 = %v, want ErrOutOfSlots", err)
	}
}

func Test_AcquireCPU_Fails_With_ErrOutOfMemory_When_Arena_Exhausted(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Capacity = 4
	opts.DataSize = 4096

	pool := openTestPool(t, opts)

	g, err := pool.AcquireCPU(4096)
	if err != nil {
		t.Fatalf("AcquireCPU full arena: %v", err)
	}

	defer func() { _ = g.Close() }()

	_, err = pool.AcquireCPU(64)
	if !errors.Is(err, shmpool.ErrOutOfMemory) {
		t.Errorf("AcquireCPU on exhausted arena = %v, want ErrOutOfMemory", err)
	}
}

func Test_Freed_Slot_Reuses_Its_Reserved_Range(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Capacity = 4
	opts.DataSize = 4096

	pool := openTestPool(t, opts)

	// Exhaust the arena, free it, and allocate the same size again: the
	// second allocation must reuse the freed slot's range instead of failing.
	g, err := pool.AcquireCPU(4096)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	g2, err := pool.AcquireCPU(2048)
	if err != nil {
		t.Fatalf("AcquireCPU after free: %v", err)
	}

	defer func() { _ = g2.Close() }()

	if g2.Size() != 2048 {
		t.Errorf("Size = %d, want 2048", g2.Size())
	}
}

func Test_AcquireCPU_Rejects_Non_Positive_Size(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	for _, size := range []int{0, -1} {
		_, err := pool.AcquireCPU(size)
		if !errors.Is(err, shmpool.ErrInvalidInput) {
			t.Errorf("AcquireCPU(%d) = %v, want ErrInvalidInput", size, err)
		}
	}
}

func Test_Open_Adopts_Existing_Geometry_With_Zero_Options(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	openTestPool(t, opts)

	reopened, err := shmpool.Open(shmpool.Options{Name: opts.Name, Dir: opts.Dir})
	if err != nil {
		t.Fatalf("Open with zero geometry: %v", err)
	}

	defer func() { _ = reopened.Close() }()

	if reopened.Capacity() != opts.Capacity {
		t.Errorf("Capacity = %d, want %d", reopened.Capacity(), opts.Capacity)
	}
}

func Test_Open_Fails_With_ErrResource_On_Capacity_Mismatch(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	openTestPool(t, opts)

	bad := opts
	bad.Capacity = opts.Capacity * 2

	_, err := shmpool.Open(bad)
	if !errors.Is(err, shmpool.ErrResource) {
		t.Errorf("Open with mismatched capacity = %v, want ErrResource", err)
	}
}

func Test_Open_Fails_With_ErrCorrupt_On_Foreign_File(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	writeJunkRegion(t, filepath.Join(opts.Dir, "t1"))

	_, err := shmpool.Open(opts)
	if !errors.Is(err, shmpool.ErrCorrupt) {
		t.Errorf("Open on junk file = %v, want ErrCorrupt", err)
	}
}

func Test_Unlink_Destroys_Region(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	pool := openTestPool(t, opts)

	g, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	defer func() { _ = g.Close() }()

	if err := shmpool.Unlink(opts.Dir, opts.Name); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	// The unlinked region is orphaned, not torn down: the existing mapping
	// keeps working.
	if !g.IsValid() {
		t.Error("guard invalid after Unlink; mapping should survive")
	}

	// A new Open creates a fresh region instead of attaching.
	fresh, err := shmpool.Open(opts)
	if err != nil {
		t.Fatalf("Open after Unlink: %v", err)
	}

	defer func() { _ = fresh.Close() }()

	rc, err := fresh.RefCount(0)
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}

	if rc != 0 {
		t.Errorf("fresh region slot 0 RefCount = %d, want 0", rc)
	}

	if err := shmpool.Unlink(opts.Dir, "/does-not-exist"); !errors.Is(err, shmpool.ErrResource) {
		t.Errorf("Unlink of missing region = %v, want ErrResource", err)
	}
}

func Test_Pool_Close_Returns_ErrBusy_While_Guards_Open(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	if err := pool.Close(); !errors.Is(err, shmpool.ErrBusy) {
		t.Errorf("Close with open guard = %v, want ErrBusy", err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("guard Close: %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("pool Close: %v", err)
	}

	// Operations on a closed handle fail with ErrClosed.
	if _, err := pool.AcquireCPU(64); !errors.Is(err, shmpool.ErrClosed) {
		t.Errorf("AcquireCPU after Close = %v, want ErrClosed", err)
	}

	// Close is idempotent.
	if err := pool.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func Test_Data_Written_Through_One_Handle_Visible_Through_Another(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)

	producer := openTestPool(t, opts)
	consumer := openTestPool(t, opts)

	g, err := producer.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	defer func() { _ = g.Close() }()

	buf, err := g.BytesMut()
	if err != nil {
		t.Fatalf("BytesMut: %v", err)
	}

	copy(buf, "hello")

	// Counts are shared state.
	if rc, _ := consumer.RefCount(g.MetaIndex()); rc != 1 {
		t.Errorf("consumer RefCount = %d, want 1", rc)
	}

	h, err := consumer.Get(g.MetaIndex())
	if err != nil {
		t.Fatalf("consumer Get: %v", err)
	}

	defer func() { _ = h.Close() }()

	got, err := h.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	if string(got[:5]) != "hello" {
		t.Errorf("consumer read %q, want %q", got[:5], "hello")
	}
}
