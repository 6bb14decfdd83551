package queue

import (
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) rejected", i)
		}
	}

	select {
	case <-q.Ready():
	default:
		t.Fatalf("expected ready signal after push")
	}

	got := q.Drain()
	if len(got) != 5 {
		t.Fatalf("Drain len=%d, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d=%d, want %d", i, v, i)
		}
	}
	if got := q.Drain(); got != nil {
		t.Fatalf("second Drain=%v, want nil", got)
	}
}

func TestQueue_PushAfterCloseRejected(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Close()

	if q.Push("b") {
		t.Fatalf("Push after Close accepted")
	}
	got := q.Drain()
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("Drain=%v, want [a]", got)
	}
}

func TestQueue_ConcurrentProducersNeverBlock(t *testing.T) {
	q := New[int]()

	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("producers blocked without a consumer")
	}

	if got := q.Len(); got != producers*perProducer {
		t.Fatalf("Len=%d, want %d", got, producers*perProducer)
	}
}
