package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescerRunsFsync(t *testing.T) {
	c := NewCoalescer(0)
	var calls int32
	err := c.Fsync(func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("fsync: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestCoalescerPropagatesError(t *testing.T) {
	c := NewCoalescer(0)
	want := errFsyncFailed
	err := c.Fsync(func() error { return want })
	if err != want {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestCoalescerBatchesConcurrentCallers(t *testing.T) {
	c := NewCoalescer(50 * time.Millisecond)
	var calls int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Fsync(func() error {
				atomic.AddInt32(&calls, 1)
				return nil
			})
			if err != nil {
				t.Errorf("fsync: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected calls to be coalesced into 1, got %d", calls)
	}
}

func TestCoalescerSequentialCallsRunIndependently(t *testing.T) {
	c := NewCoalescer(0)
	var calls int32

	for i := 0; i < 5; i++ {
		if err := c.Fsync(func() error {
			atomic.AddInt32(&calls, 1)
			return nil
		}); err != nil {
			t.Fatalf("fsync %d: %v", i, err)
		}
	}

	if calls != 5 {
		t.Errorf("expected 5 independent calls, got %d", calls)
	}
}

type fsyncError struct{ msg string }

func (e *fsyncError) Error() string { return e.msg }

var errFsyncFailed = &fsyncError{"fsync failed"}
