// Copyright 2024-2026 Aiku AI

package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aiku/chatlink/pkg/message"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestProcessPending_FIFOAndRewrite(t *testing.T) {
	t.Parallel()
	q := New()
	var got []*message.Message
	for _, text := range []string{"m1", "m2", "m3"} {
		q.Add(message.New("L1@lid", text), "L1", func(m *message.Message) {
			got = append(got, m)
		}, func(err error) {
			t.Errorf("unexpected rejection: %v", err)
		})
	}

	if n := q.ProcessPending("L1", "P1"); n != 3 {
		t.Fatalf("ProcessPending: got %d, want 3", n)
	}
	if len(got) != 3 {
		t.Fatalf("resolved: got %d, want 3", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].Text != want {
			t.Errorf("order[%d]: got %q, want %q", i, got[i].Text, want)
		}
		if got[i].Chat != "P1" {
			t.Errorf("destination[%d]: got %q, want P1", i, got[i].Chat)
		}
	}
	if q.PendingCount("L1") != 0 {
		t.Error("entries should be removed after processing")
	}
}

func TestProcessPending_OtherIDsUntouched(t *testing.T) {
	t.Parallel()
	q := New()
	q.Add(message.New("L1@lid", "a"), "L1", nil, nil)
	q.Add(message.New("L2@lid", "b"), "L2", nil, nil)
	q.ProcessPending("L1", "P1")
	if q.PendingCount("L2") != 1 || q.TotalPending() != 1 {
		t.Errorf("L2 entries: got %d, total %d", q.PendingCount("L2"), q.TotalPending())
	}
	if n := q.ProcessPending("L9", "P9"); n != 0 {
		t.Errorf("ProcessPending on empty id: got %d", n)
	}
}

func TestProcessPending_ReentrantAdd(t *testing.T) {
	t.Parallel()
	q := New()
	var resolved int
	q.Add(message.New("L1@lid", "first"), "L1", func(*message.Message) {
		resolved++
		q.Add(message.New("L1@lid", "again"), "L1", func(*message.Message) { resolved++ }, nil)
	}, nil)

	if n := q.ProcessPending("L1", "P1"); n != 1 {
		t.Fatalf("ProcessPending: got %d, want 1", n)
	}
	if resolved != 1 {
		t.Errorf("re-added entry must not be processed in the same batch: resolved %d", resolved)
	}
	if q.PendingCount("L1") != 1 {
		t.Errorf("re-added entry should be pending: got %d", q.PendingCount("L1"))
	}
}

func TestProcessPending_CallbackPanicIsolated(t *testing.T) {
	t.Parallel()
	q := New()
	var rejected error
	var delivered []string
	q.Add(message.New("L1@lid", "bad"), "L1", func(*message.Message) {
		panic("transport exploded")
	}, func(err error) { rejected = err })
	q.Add(message.New("L1@lid", "good"), "L1", func(m *message.Message) {
		delivered = append(delivered, m.Text)
	}, nil)

	if n := q.ProcessPending("L1", "P1"); n != 1 {
		t.Errorf("ProcessPending: got %d, want 1", n)
	}
	if rejected == nil {
		t.Error("panicking entry should be rejected")
	}
	if len(delivered) != 1 || delivered[0] != "good" {
		t.Errorf("delivered: got %v, want [good]", delivered)
	}
}

func TestCleanup_ExpiresOldEntries(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	q := New(WithClock(clock.Now))
	var rejected error
	q.Add(message.New("L1@lid", "old"), "L1", func(*message.Message) {
		t.Error("expired entry must not resolve")
	}, func(err error) { rejected = err })

	clock.Advance(30 * time.Second)
	if n := q.Cleanup(); n != 0 {
		t.Fatalf("Cleanup before max age: got %d", n)
	}
	q.Add(message.New("L1@lid", "young"), "L1", nil, nil)

	clock.Advance(31 * time.Second)
	if n := q.Cleanup(); n != 1 {
		t.Fatalf("Cleanup: got %d, want 1", n)
	}
	if !errors.Is(rejected, ErrExpired) {
		t.Fatalf("rejection: got %v, want ErrExpired", rejected)
	}
	var expired *ExpiredError
	if !errors.As(rejected, &expired) || expired.AnonymizedID != "L1" {
		t.Errorf("rejection type: got %#v", rejected)
	}
	if rejected.Error() != "pending message expired after 60000ms" {
		t.Errorf("message: got %q", rejected.Error())
	}
	if q.PendingCount("L1") != 1 {
		t.Errorf("young entry should remain: got %d", q.PendingCount("L1"))
	}

	clock.Advance(time.Minute)
	q.Cleanup()
	if q.PendingCount("L1") != 0 {
		t.Errorf("PendingCount after expiry: got %d, want 0", q.PendingCount("L1"))
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	q := New()
	var errs []error
	for _, id := range []string{"L1", "L1", "L2"} {
		q.Add(message.New(id+"@lid", "x"), id, nil, func(err error) { errs = append(errs, err) })
	}
	q.Clear()
	if len(errs) != 3 {
		t.Fatalf("rejections: got %d, want 3", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, ErrCleared) {
			t.Errorf("rejection: got %v, want ErrCleared", err)
		}
	}
	if q.TotalPending() != 0 {
		t.Errorf("TotalPending after Clear: got %d", q.TotalPending())
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	q := New()
	var rejected error
	e := q.Add(message.New("L1@lid", "x"), "L1", func(*message.Message) {
		t.Error("cancelled entry must not resolve")
	}, func(err error) { rejected = err })
	other := q.Add(message.New("L1@lid", "y"), "L1", nil, nil)

	if !q.Cancel(e, context.DeadlineExceeded) {
		t.Fatal("Cancel should succeed for a queued entry")
	}
	if !errors.Is(rejected, context.DeadlineExceeded) {
		t.Errorf("rejection: got %v", rejected)
	}
	if q.Cancel(e, context.Canceled) {
		t.Error("second Cancel should report false")
	}
	if q.PendingCount("L1") != 1 {
		t.Errorf("other entry should remain: got %d", q.PendingCount("L1"))
	}
	q.ProcessPending("L1", "P1")
	if q.Cancel(other, context.Canceled) {
		t.Error("Cancel after release should report false")
	}
}

func TestConcurrentAddAndProcess(t *testing.T) {
	t.Parallel()
	q := New()
	var mu sync.Mutex
	seen := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Add(message.New("L1@lid", "x"), "L1", func(*message.Message) {
				mu.Lock()
				seen++
				mu.Unlock()
			}, nil)
		}()
	}
	wg.Wait()
	var pwg sync.WaitGroup
	for range 5 {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			q.ProcessPending("L1", "P1")
		}()
	}
	pwg.Wait()
	if seen != 50 {
		t.Errorf("resolved: got %d, want 50 (each exactly once)", seen)
	}
}

func TestRun_StopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)
	clock := newFakeClock()
	q := New(WithClock(clock.Now), WithMaxAge(time.Second))
	rejected := make(chan error, 1)
	q.Add(message.New("L1@lid", "x"), "L1", nil, func(err error) { rejected <- err })
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case err := <-rejected:
		if !errors.Is(err, ErrExpired) {
			t.Errorf("rejection: got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not sweep expired entries")
	}
	cancel()
	<-done
}
