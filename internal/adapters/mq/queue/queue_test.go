package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/okian/tally/internal/domain/model"
)

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}

	if !q.Enqueue(ctx, Job{Index: 0, Record: model.RawRecord{"client": "Acme"}}) {
		t.Error("expected enqueue to succeed")
	}
	if l := q.Len(ctx); l != 1 {
		t.Errorf("expected length 1, got %d", l)
	}

	job := <-q.Dequeue(ctx)
	if job.Index != 0 || job.Record["client"] != "Acme" {
		t.Errorf("unexpected job %+v", job)
	}
	if l := q.Len(ctx); l != 0 {
		t.Errorf("expected length 0, got %d", l)
	}
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(2))
	ctx := context.Background()

	if !q.Enqueue(ctx, Job{Index: 0}) || !q.Enqueue(ctx, Job{Index: 1}) {
		t.Fatal("expected enqueue to succeed")
	}
	if q.Enqueue(ctx, Job{Index: 2}) {
		t.Error("expected enqueue to fail when full")
	}
	if l := q.Len(ctx); l != 2 {
		t.Errorf("expected length 2, got %d", l)
	}
}

func TestInMemoryQueue_CancelledContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if q.Enqueue(ctx, Job{Index: 0}) {
		t.Error("expected enqueue to fail on a cancelled context")
	}
}

func TestInMemoryQueue_CloseDrains(t *testing.T) {
	q := NewInMemoryQueue(WithCapacity(3))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, Job{Index: i})
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !q.IsClosed() {
		t.Error("expected queue to be closed")
	}
	if q.Enqueue(ctx, Job{Index: 9}) {
		t.Error("expected enqueue to fail after close")
	}

	var got []int
	for j := range q.Dequeue(ctx) {
		got = append(got, j.Index)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 drained jobs, got %v", got)
	}
}

func TestInMemoryQueue_ConcurrentConsumers(t *testing.T) {
	const n = 500
	q := NewInMemoryQueue(WithCapacity(n))
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if !q.Enqueue(ctx, Job{Index: i}) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	_ = q.Close()

	var (
		mu   sync.Mutex
		seen = make(map[int]int, n)
		wg   sync.WaitGroup
	)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range q.Dequeue(ctx) {
				mu.Lock()
				seen[j.Index]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct jobs, got %d", n, len(seen))
	}
	for idx, count := range seen {
		if count != 1 {
			t.Errorf("job %d delivered %d times", idx, count)
		}
	}
}
