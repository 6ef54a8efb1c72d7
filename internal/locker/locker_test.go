package locker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	l := New()
	var calls int32
	var wg sync.WaitGroup
	results := make([]any, 10)

	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, err, _ := l.Do("fp-1", func() (any, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(20 * time.Millisecond)
				return "built", nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected exactly 1 underlying build, got %d", calls)
	}
	for _, r := range results {
		if r != "built" {
			t.Errorf("expected all callers to see the shared result, got %v", r)
		}
	}
}

func TestDoDoesNotCoalesceDifferentFingerprints(t *testing.T) {
	l := New()
	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Do(string(rune('a'+i)), func() (any, error) {
				atomic.AddInt32(&calls, 1)
				return nil, nil
			})
		}(i)
	}
	wg.Wait()
	if calls != 5 {
		t.Errorf("expected 5 independent builds, got %d", calls)
	}
}

func TestFileLockAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fl := NewFileLock(dir)

	h, err := fl.Acquire("tile-1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	h2, err := fl.Acquire("tile-1", time.Second)
	if err != nil {
		t.Fatalf("re-Acquire after Release: %v", err)
	}
	h2.Release()
}

func TestFileLockTimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	fl := NewFileLock(dir)

	h, err := fl.Acquire("tile-2", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	_, err = fl.Acquire("tile-2", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected LockTimeout while lock is held")
	}
}
