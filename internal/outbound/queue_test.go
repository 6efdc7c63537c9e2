package outbound

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func frame(i int) []byte { return []byte(fmt.Sprintf("f%d", i)) }

func TestQueue_FIFO(t *testing.T) {
	q := New(10)

	for i := 0; i < 5; i++ {
		if q.Push(frame(i)) {
			t.Fatalf("Push(%d) reported eviction", i)
		}
	}

	if q.Len() != 5 {
		t.Errorf("Len() = %d, want 5", q.Len())
	}

	got := q.Drain()
	for i, f := range got {
		if string(f) != string(frame(i)) {
			t.Errorf("frame %d = %s, want %s", i, f, frame(i))
		}
	}

	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_EvictsOldest(t *testing.T) {
	q := New(3)

	for i := 0; i < 3; i++ {
		q.Push(frame(i))
	}
	if !q.Push(frame(3)) {
		t.Fatal("Push into full queue did not report eviction")
	}

	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	got := q.Drain()
	want := []string{"f1", "f2", "f3"}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}

	if s := q.Stats(); s.TotalEvicted != 1 {
		t.Errorf("TotalEvicted = %d, want 1", s.TotalEvicted)
	}
}

func TestQueue_CapacityNeverExceeded(t *testing.T) {
	q := New(100)

	for i := 0; i < 1000; i++ {
		q.Push(frame(i))
		if q.Len() > q.Cap() {
			t.Fatalf("Len() = %d exceeds Cap() = %d", q.Len(), q.Cap())
		}
	}

	got := q.Drain()
	if len(got) != 100 {
		t.Fatalf("drained %d frames, want 100", len(got))
	}
	if string(got[0]) != "f900" || string(got[99]) != "f999" {
		t.Errorf("kept range %s..%s, want f900..f999", got[0], got[99])
	}
}

func TestQueue_FlushStopsOnError(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		q.Push(frame(i))
	}

	var sent []string
	errBroken := errors.New("broken pipe")
	n, err := q.Flush(func(f []byte) error {
		if string(f) == "f2" {
			return errBroken
		}
		sent = append(sent, string(f))
		return nil
	})

	if !errors.Is(err, errBroken) {
		t.Fatalf("Flush error = %v, want %v", err, errBroken)
	}
	if n != 2 {
		t.Errorf("sent = %d, want 2", n)
	}

	rest := q.Drain()
	want := []string{"f2", "f3", "f4"}
	if len(rest) != len(want) {
		t.Fatalf("remainder = %d frames, want %d", len(rest), len(want))
	}
	for i := range want {
		if string(rest[i]) != want[i] {
			t.Errorf("remainder[%d] = %s, want %s", i, rest[i], want[i])
		}
	}
}

func TestQueue_PushFrontKeepsOrderAfterWrap(t *testing.T) {
	q := New(4)
	// Advance head so the ring wraps.
	q.Push(frame(0))
	q.Push(frame(1))
	q.Drain()

	q.Push(frame(4))
	q.PushFront([][]byte{frame(2), frame(3)})

	got := q.Drain()
	want := []string{"f2", "f3", "f4"}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueue_PushFrontDropsOverflow(t *testing.T) {
	q := New(2)
	q.Push(frame(9))

	dropped := q.PushFront([][]byte{frame(0), frame(1)})
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	got := q.Drain()
	if string(got[0]) != "f1" || string(got[1]) != "f9" {
		t.Errorf("got %s,%s want f1,f9", got[0], got[1])
	}
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := New(50)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(frame(g*1000 + i))
			}
		}(g)
	}
	wg.Wait()

	s := q.Stats()
	if s.Count != 50 {
		t.Errorf("Count = %d, want 50", s.Count)
	}
	if s.TotalPushed != 400 {
		t.Errorf("TotalPushed = %d, want 400", s.TotalPushed)
	}
	if s.TotalEvicted != 350 {
		t.Errorf("TotalEvicted = %d, want 350", s.TotalEvicted)
	}
}
