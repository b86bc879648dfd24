package sessions

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tu "github.com/stevedimarzio/tidal-mcp/internal/testing"
)

func bareCoordinator(id string) *Coordinator {
	return &Coordinator{id: id, done: make(chan struct{})}
}

func TestRegistry(t *testing.T) {
	t.Run("Acquire creates once per attempt", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		defer r.Close()

		var creates atomic.Int32
		var wg sync.WaitGroup
		got := make([]*Coordinator, 10)
		for i := range got {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, _, err := r.Acquire("s1", func() (*Coordinator, error) {
					creates.Add(1)
					time.Sleep(10 * time.Millisecond)
					return bareCoordinator("s1"), nil
				})
				if err != nil {
					t.Errorf("Acquire() error = %v", err)
				}
				got[i] = c
			}()
		}
		wg.Wait()

		if n := creates.Load(); n != 1 {
			t.Errorf("create called %d times, want 1", n)
		}
		for _, c := range got {
			if c != got[0] {
				t.Fatal("callers received different coordinators")
			}
		}
	})

	t.Run("Acquire does not serialize distinct ids", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		defer r.Close()

		start := time.Now()
		var wg sync.WaitGroup
		for _, id := range []string{"a", "b", "c", "d", "e"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Acquire(id, func() (*Coordinator, error) {
					time.Sleep(100 * time.Millisecond)
					return bareCoordinator(id), nil
				})
			}()
		}
		wg.Wait()

		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Errorf("distinct ids took %v", elapsed)
		}
		if n := len(r.InFlight()); n != 5 {
			t.Errorf("InFlight() = %d, want 5", n)
		}
	})

	t.Run("failed create registers nothing", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		defer r.Close()

		boom := errors.New("boom")
		if _, _, err := r.Acquire("s1", func() (*Coordinator, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
		if _, ok := r.Get("s1"); ok {
			t.Error("nothing should be registered")
		}
	})

	t.Run("finished coordinators are retained then replaced", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		defer r.Close()

		first := bareCoordinator("s1")
		r.Acquire("s1", func() (*Coordinator, error) { return first, nil })
		close(first.done)

		tu.Eventually(t, time.Second, func() bool { return len(r.InFlight()) == 0 }, "coordinator never retired")
		if c, ok := r.Get("s1"); !ok || c != first {
			t.Error("finished coordinator should be retained")
		}
		if r.Live("s1") {
			t.Error("finished coordinator reported live")
		}

		second := bareCoordinator("s1")
		c, created, _ := r.Acquire("s1", func() (*Coordinator, error) { return second, nil })
		if !created || c != second {
			t.Error("a finished attempt should be superseded")
		}
		if got, _ := r.Get("s1"); got != second {
			t.Error("Get() should return the new attempt")
		}
		if n := len(r.Active()); n != 1 {
			t.Errorf("Active() = %d, want 1", n)
		}
	})

	t.Run("retention expires", func(t *testing.T) {
		r := NewRegistry(50 * time.Millisecond)
		defer r.Close()

		c := bareCoordinator("s1")
		r.Acquire("s1", func() (*Coordinator, error) { return c, nil })
		close(c.done)

		tu.Eventually(t, 2*time.Second, func() bool {
			_, ok := r.Get("s1")
			return !ok && len(r.Active()) == 0
		}, "retained coordinator never evicted")
	})

	t.Run("Remove", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		defer r.Close()

		c := bareCoordinator("s1")
		r.Acquire("s1", func() (*Coordinator, error) { return c, nil })

		var got *Coordinator
		if err := r.Remove("s1", func(rc *Coordinator) error { got = rc; return nil }); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if got != c {
			t.Error("Remove() should pass the registered coordinator")
		}
		if _, ok := r.Get("s1"); ok {
			t.Error("removed id still registered")
		}

		errGone := errors.New("gone")
		err := r.Remove("s1", func(rc *Coordinator) error {
			if rc != nil {
				t.Error("second Remove() should pass nil")
			}
			return errGone
		})
		if !errors.Is(err, errGone) {
			t.Errorf("expected fn error to be returned, got %v", err)
		}
		close(c.done)
	})

	t.Run("Remove blocks Acquire for the same id", func(t *testing.T) {
		r := NewRegistry(time.Minute)
		defer r.Close()

		release := make(chan struct{})
		removing := make(chan struct{})
		go r.Remove("s1", func(*Coordinator) error {
			close(removing)
			<-release
			return nil
		})
		<-removing

		next := bareCoordinator("s1")
		defer close(next.done)
		acquired := make(chan struct{})
		go func() {
			r.Acquire("s1", func() (*Coordinator, error) { return next, nil })
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("Acquire() ran while Remove() held the id")
		case <-time.After(50 * time.Millisecond):
		}
		close(release)
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("Acquire() never ran after Remove() returned")
		}
	})
}
