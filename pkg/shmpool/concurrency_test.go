// Concurrency tests exercise the atomic slot protocol from many goroutines.
// Cross-process behavior rides on the same atomics over the MAP_SHARED
// mapping, so in-process races are the meaningful coverage available to
// go test -race.

package shmpool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/dayn9t/xmem/pkg/shmpool"
)

func Test_Concurrent_Acquire_Release_Leaves_All_Slots_Free(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Capacity = 8
	opts.DataSize = 1 << 20

	pool := openTestPool(t, opts)

	const (
		workers    = 8
		iterations = 200
	)

	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for it := 0; it < iterations; it++ {
				g, err := pool.AcquireCPU(512)
				if err != nil {
					// With workers == capacity every acquire must succeed.
					t.Errorf("AcquireCPU: %v", err)

					return
				}

				buf, err := g.BytesMut()
				if err != nil {
					t.Errorf("BytesMut: %v", err)
				} else {
					buf[0] = byte(g.MetaIndex())
				}

				if err := g.Close(); err != nil {
					t.Errorf("Close: %v", err)
				}
			}
		}()
	}

	wg.Wait()

	for index := uint32(0); index < uint32(opts.Capacity); index++ {
		rc, err := pool.RefCount(index)
		if err != nil {
			t.Fatalf("RefCount(%d): %v", index, err)
		}

		if rc != 0 {
			t.Errorf("slot %d RefCount = %d after drain, want 0", index, rc)
		}
	}

	stats, err := pool.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.LiveSlots != 0 {
		t.Errorf("LiveSlots = %d after drain, want 0", stats.LiveSlots)
	}
}

func Test_Concurrent_Acquire_Never_Hands_Out_Same_Slot_Twice(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Capacity = 64
	opts.DataSize = 1 << 20

	pool := openTestPool(t, opts)

	const workers = 16

	var (
		wg sync.WaitGroup

		mu      sync.Mutex
		claimed = map[uint32]int{}
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for it := 0; it < 4; it++ {
				g, err := pool.AcquireCPU(128)
				if err != nil {
					t.Errorf("AcquireCPU: %v", err)

					return
				}

				g.Forget()

				if err := g.Close(); err != nil {
					t.Errorf("Close: %v", err)
				}

				mu.Lock()
				claimed[g.MetaIndex()]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(claimed) != workers*4 {
		t.Fatalf("distinct slots = %d, want %d", len(claimed), workers*4)
	}

	for index, n := range claimed {
		if n != 1 {
			t.Errorf("slot %d handed out %d times", index, n)
		}
	}
}

func Test_Concurrent_Open_Of_Same_Name_Degrades_To_Attach(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)

	const openers = 8

	var (
		wg    sync.WaitGroup
		pools [openers]*shmpool.Pool
	)

	// All openers race to create the region; losers must silently attach.
	for i := 0; i < openers; i++ {
		i := i

		wg.Add(1)

		go func() {
			defer wg.Done()

			p, err := shmpool.Open(opts)
			if err != nil {
				t.Errorf("Open: %v", err)

				return
			}

			pools[i] = p
		}()
	}

	wg.Wait()

	for i := range pools {
		if pools[i] == nil {
			t.Fatalf("handle %d failed to open", i)
		}
	}

	// Every handle sees the same region: a slot acquired through one is
	// visible through all.
	g, err := pools[0].AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	g.Forget()

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i, p := range pools {
		rc, err := p.RefCount(g.MetaIndex())
		if err != nil {
			t.Fatalf("RefCount via handle %d: %v", i, err)
		}

		if rc != 1 {
			t.Errorf("handle %d sees ref count %d, want 1", i, rc)
		}

		if err := p.Close(); err != nil {
			t.Errorf("Close handle %d: %v", i, err)
		}
	}
}

func Test_Concurrent_AddRef_Release_Round_Trips(t *testing.T) {
	t.Parallel()

	pool := openTestPool(t, newTestOptions(t))

	g, err := pool.AcquireCPU(64)
	if err != nil {
		t.Fatalf("AcquireCPU: %v", err)
	}

	defer func() { _ = g.Close() }()

	index := g.MetaIndex()

	const (
		workers = 8
		rounds  = 500
	)

	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for it := 0; it < rounds; it++ {
				if _, err := pool.AddRef(index); err != nil {
					t.Errorf("AddRef: %v", err)

					return
				}

				if _, err := pool.Release(index); err != nil {
					t.Errorf("Release: %v", err)

					return
				}
			}
		}()
	}

	wg.Wait()

	rc, err := pool.RefCount(index)
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}

	if rc != 1 {
		t.Errorf("RefCount after round trips = %d, want 1", rc)
	}
}

func Test_Concurrent_Release_Of_Last_Reference_Frees_Exactly_Once(t *testing.T) {
	t.Parallel()

	opts := newTestOptions(t)
	opts.Capacity = 4

	pool := openTestPool(t, opts)

	for round := 0; round < 50; round++ {
		g, err := pool.AcquireCPU(64)
		if err != nil {
			t.Fatalf("AcquireCPU: %v", err)
		}

		index := g.MetaIndex()

		g.Forget()

		if err := g.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		const extra = 4
		for n := 0; n < extra; n++ {
			if _, err := pool.AddRef(index); err != nil {
				t.Fatalf("AddRef: %v", err)
			}
		}

		// extra+1 references, extra+2 racing releasers: exactly one must
		// underflow, and the slot must end up free.
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			underflows int
		)

		for n := 0; n < extra+2; n++ {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := pool.Release(index)
				if errors.Is(err, shmpool.ErrRefCountUnderflow) {
					mu.Lock()
					underflows++
					mu.Unlock()
				} else if err != nil {
					t.Errorf("Release: %v", err)
				}
			}()
		}

		wg.Wait()

		if underflows != 1 {
			t.Fatalf("underflows = %d, want 1", underflows)
		}

		if rc, _ := pool.RefCount(index); rc != 0 {
			t.Fatalf("RefCount = %d, want 0", rc)
		}
	}
}
