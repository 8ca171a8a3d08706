package tenantlock

import (
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameTenant(t *testing.T) {
	locks := NewMap()

	var order []int
	var mu sync.Mutex
	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	release := locks.Lock("acme")
	done := make(chan struct{})
	go func() {
		r := locks.Lock("acme")
		record(2)
		r()
		close(done)
	}()

	// The goroutine must be blocked until release.
	time.Sleep(20 * time.Millisecond)
	record(1)
	release()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestLockIndependentTenants(t *testing.T) {
	locks := NewMap()

	releaseA := locks.Lock("acme")
	defer releaseA()

	acquired := make(chan struct{})
	go func() {
		releaseB := locks.Lock("globex")
		close(acquired)
		releaseB()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different tenant blocked")
	}
}

func TestTryLock(t *testing.T) {
	locks := NewMap()

	release, ok := locks.TryLock("acme")
	if !ok {
		t.Fatal("TryLock() = false on free lock")
	}

	if _, ok := locks.TryLock("acme"); ok {
		t.Error("TryLock() = true while held")
	}

	release()

	release2, ok := locks.TryLock("acme")
	if !ok {
		t.Error("TryLock() = false after release")
	}
	if release2 != nil {
		release2()
	}
}

func TestEntriesEvicted(t *testing.T) {
	locks := NewMap()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids := []string{"acme", "globex", "initech"}
			for j := 0; j < 50; j++ {
				release := locks.Lock(ids[(n+j)%len(ids)])
				release()
			}
		}(i)
	}
	wg.Wait()

	if got := locks.Len(); got != 0 {
		t.Errorf("Len() = %d after all releases, want 0", got)
	}
}
