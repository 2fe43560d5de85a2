package queue

import (
	"sync"
	"testing"
	"time"
)

func TestSendIterateClose(t *testing.T) {
	q := New[int](0)
	for i := 0; i < 5; i++ {
		q.Send(i)
	}
	q.Close()

	var got []int
	for v := range q.Iterate() {
		got = append(got, v)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 items, got %d: %v", len(got), got)
	}
	for i, v := range got {
		if v != i {
			t.Errorf("item %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestSendAfterCloseIsNoOp(t *testing.T) {
	q := New[int](0)
	q.Send(1)
	q.Close()
	q.Send(2)

	var got []int
	for v := range q.Iterate() {
		got = append(got, v)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only the pre-close item, got %v", got)
	}
}

func TestWaitUntilDrainedNoHighWaterReturnsImmediately(t *testing.T) {
	q := New[int](0)
	done := make(chan struct{})
	go func() {
		q.WaitUntilDrained()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilDrained blocked with no high-water mark configured")
	}
}

func TestWaitUntilDrainedBlocksUntilBelowLowWater(t *testing.T) {
	q := New[int](10)
	for i := 0; i < 20; i++ {
		q.Send(i)
	}

	unblocked := make(chan struct{})
	go func() {
		q.WaitUntilDrained()
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("WaitUntilDrained returned before the queue drained below the low-water mark")
	case <-time.After(50 * time.Millisecond):
	}

	out := q.Iterate()
	var mu sync.Mutex
	drained := 0
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-out:
				mu.Lock()
				drained++
				mu.Unlock()
			case <-stop:
				return
			}
		}
	}()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilDrained never returned after draining")
	}
	close(stop)

	mu.Lock()
	defer mu.Unlock()
	if drained < 15 {
		t.Fatalf("expected queue to drain to the low-water mark (5) before unblocking, only drained %d", drained)
	}
}

func TestLen(t *testing.T) {
	q := New[int](0)
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got len %d", q.Len())
	}
	q.Send(1)
	q.Send(2)
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
}
