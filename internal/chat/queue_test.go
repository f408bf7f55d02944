package chat_test

import (
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/livepersona/internal/chat"
)

func TestBoundedQueue_LenNeverExceedsCap(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{1, 2, 5, 16} {
		q := chat.NewBoundedQueue[int](capacity)
		for i := range 3 * capacity {
			q.Push(i)
			if got := q.Len(); got > capacity {
				t.Fatalf("cap %d: after push %d Len() = %d", capacity, i, got)
			}
		}
	}
}

func TestBoundedQueue_DrainAllFIFO(t *testing.T) {
	t.Parallel()

	q := chat.NewBoundedQueue[int](3)
	for i := 1; i <= 5; i++ {
		evicted := q.Push(i)
		if want := i > 3; evicted != want {
			t.Errorf("Push(%d) evicted = %v, want %v", i, evicted, want)
		}
	}

	got := q.DrainAll()
	if want := []int{3, 4, 5}; !slices.Equal(got, want) {
		t.Errorf("DrainAll() = %v, want %v", got, want)
	}
	if !q.IsEmpty() {
		t.Errorf("IsEmpty() after DrainAll = false, want true")
	}
	if got := q.DrainAll(); got != nil {
		t.Errorf("second DrainAll() = %v, want nil", got)
	}
}

func TestBoundedQueue_SnapshotKeepsElements(t *testing.T) {
	t.Parallel()

	q := chat.NewBoundedQueue[string](4)
	q.Push("a")
	q.Push("b")

	snap := q.Snapshot()
	snap[0] = "mutated"

	if got := q.Snapshot(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Snapshot() = %v, want [a b]", got)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestBoundedQueue_Recent(t *testing.T) {
	t.Parallel()

	q := chat.NewBoundedQueue[int](4)
	for i := range 6 {
		q.Push(i)
	}

	tests := []struct {
		n    int
		want []int
	}{
		{0, nil},
		{2, []int{4, 5}},
		{4, []int{2, 3, 4, 5}},
		{10, []int{2, 3, 4, 5}},
	}
	for _, tt := range tests {
		if got := q.Recent(tt.n); !slices.Equal(got, tt.want) {
			t.Errorf("Recent(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestBoundedQueue_Clear(t *testing.T) {
	t.Parallel()

	q := chat.NewBoundedQueue[int](2)
	q.Push(1)
	q.Push(2)
	q.Clear()
	if !q.IsEmpty() {
		t.Fatal("queue not empty after Clear")
	}
	q.Push(7)
	if got := q.DrainAll(); !slices.Equal(got, []int{7}) {
		t.Errorf("DrainAll() = %v, want [7]", got)
	}
}

func TestBoundedQueue_ZeroCapacity(t *testing.T) {
	t.Parallel()

	q := chat.NewBoundedQueue[int](0)
	if q.Cap() != 1 {
		t.Fatalf("Cap() = %d, want 1", q.Cap())
	}
	q.Push(1)
	q.Push(2)
	if got := q.Snapshot(); !slices.Equal(got, []int{2}) {
		t.Errorf("Snapshot() = %v, want [2]", got)
	}
}

func TestBoundedQueue_ConcurrentPush(t *testing.T) {
	t.Parallel()

	const capacity = 50
	q := chat.NewBoundedQueue[int](capacity)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				q.Push(w*1000 + i)
			}
		}()
	}
	wg.Wait()

	if got := q.Len(); got != capacity {
		t.Errorf("Len() = %d, want %d", got, capacity)
	}
}
