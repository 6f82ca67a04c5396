package engine

import (
	"sync"
	"testing"
)

func TestMachineLocks(t *testing.T) {
	locks := newMachineLocks()

	owner, ok := locks.TryAcquire("m-1", "d-1")
	if !ok || owner != "d-1" {
		t.Fatalf("TryAcquire = (%s, %v), want (d-1, true)", owner, ok)
	}

	owner, ok = locks.TryAcquire("m-1", "d-2")
	if ok || owner != "d-1" {
		t.Fatalf("contended TryAcquire = (%s, %v), want (d-1, false)", owner, ok)
	}

	// A different machine is independent.
	if _, ok := locks.TryAcquire("m-2", "d-3"); !ok {
		t.Fatal("unrelated machine could not be acquired")
	}

	// Release by a non-owner is a no-op.
	locks.Release("m-1", "d-2")
	if owner, held := locks.Owner("m-1"); !held || owner != "d-1" {
		t.Fatalf("owner after stray release = (%s, %v), want (d-1, true)", owner, held)
	}

	locks.Release("m-1", "d-1")
	if _, held := locks.Owner("m-1"); held {
		t.Fatal("lock still held after owner release")
	}
	if _, ok := locks.TryAcquire("m-1", "d-2"); !ok {
		t.Fatal("machine could not be reacquired after release")
	}
}

func TestMachineLocksConcurrent(t *testing.T) {
	locks := newMachineLocks()

	const n = 32
	var wg sync.WaitGroup
	acquired := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, acquired[i] = locks.TryAcquire("m-1", "d-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range acquired {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}
