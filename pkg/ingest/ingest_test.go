package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSubmit_ProcessesJob(t *testing.T) {
	q := New(Options{
		Handler: func(_ context.Context, payload any) (map[string]any, error) {
			return map[string]any{"echo": payload}, nil
		},
	})
	defer q.Close()

	out, err := q.Submit(context.Background(), "img-1")
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if out["echo"] != "img-1" {
		t.Errorf("result = %v", out)
	}

	s := q.Snapshot()
	if s.EnqueuedTotal != 1 || s.ProcessedTotal != 1 || s.FailedTotal != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestSubmit_HandlerError(t *testing.T) {
	boom := errors.New("boom")
	q := New(Options{
		Handler: func(context.Context, any) (map[string]any, error) { return nil, boom },
	})
	defer q.Close()

	if _, err := q.Submit(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v; want handler error", err)
	}
	if s := q.Snapshot(); s.FailedTotal != 1 {
		t.Errorf("FailedTotal = %d; want 1", s.FailedTotal)
	}
}

// blockingHandler parks jobs until released so tests can fill the queue.
type blockingHandler struct {
	release chan struct{}
	once    sync.Once
}

func (b *blockingHandler) handle(context.Context, any) (map[string]any, error) {
	<-b.release
	return map[string]any{}, nil
}

func (b *blockingHandler) done() {
	b.once.Do(func() { close(b.release) })
}

func TestPolicyReject_Overflow(t *testing.T) {
	b := &blockingHandler{release: make(chan struct{})}
	q := New(Options{MaxSize: 1, Workers: 1, Policy: PolicyReject, Handler: b.handle})
	defer q.Close()
	defer b.done()

	// One job occupies the worker, one fills the queue slot.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Submit(context.Background(), nil)
			results <- err
		}()
	}
	waitForDepth(t, q, 1)

	if _, err := q.Submit(context.Background(), nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v; want ErrQueueFull", err)
	}
	if s := q.Snapshot(); s.RejectedTotal != 1 {
		t.Errorf("RejectedTotal = %d; want 1", s.RejectedTotal)
	}

	b.done()
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("queued job error: %v", err)
		}
	}
}

func TestPolicyDropOldest_EvictsQueued(t *testing.T) {
	b := &blockingHandler{release: make(chan struct{})}
	q := New(Options{MaxSize: 1, Workers: 1, Policy: PolicyDropOldest, Handler: b.handle})
	defer q.Close()
	defer b.done()

	running := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), "running")
		running <- err
	}()
	waitForInFlight(t, q, 1)

	oldest := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), "oldest")
		oldest <- err
	}()
	waitForDepth(t, q, 1)

	newest := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), "newest")
		newest <- err
	}()

	// The queued (not the running) job is evicted.
	if err := <-oldest; !errors.Is(err, ErrDropped) {
		t.Fatalf("oldest err = %v; want ErrDropped", err)
	}
	if s := q.Snapshot(); s.DroppedTotal != 1 {
		t.Errorf("DroppedTotal = %d; want 1", s.DroppedTotal)
	}

	b.done()
	if err := <-running; err != nil {
		t.Errorf("running job error: %v", err)
	}
	if err := <-newest; err != nil {
		t.Errorf("newest job error: %v", err)
	}
}

func TestPolicyWait_TimesOut(t *testing.T) {
	b := &blockingHandler{release: make(chan struct{})}
	q := New(Options{
		MaxSize:        1,
		Workers:        1,
		Policy:         PolicyWait,
		EnqueueTimeout: 30 * time.Millisecond,
		Handler:        b.handle,
	})
	defer q.Close()
	defer b.done()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Submit(context.Background(), nil)
			results <- err
		}()
	}
	waitForDepth(t, q, 1)

	start := time.Now()
	_, err := q.Submit(context.Background(), nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v; want ErrQueueFull after wait", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("wait policy must block before rejecting")
	}

	b.done()
	for i := 0; i < 2; i++ {
		<-results
	}
}

func TestPolicyWait_CloseUnblocksParkedSubmit(t *testing.T) {
	b := &blockingHandler{release: make(chan struct{})}
	q := New(Options{
		MaxSize:        1,
		Workers:        1,
		Policy:         PolicyWait,
		EnqueueTimeout: 10 * time.Second,
		Handler:        b.handle,
	})
	defer b.done()

	// One job occupies the worker, one fills the queue slot.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Submit(context.Background(), nil)
			results <- err
		}()
	}
	waitForDepth(t, q, 1)

	// The third submit parks waiting for a slot.
	parked := make(chan error, 1)
	go func() {
		_, err := q.Submit(context.Background(), nil)
		parked <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// Close must wake the parked sender cleanly, not panic on a closed
	// channel, and still drain the accepted jobs.
	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()

	select {
	case err := <-parked:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("parked submit err = %v; want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked submit never returned after Close")
	}

	b.done()
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("accepted job error: %v", err)
		}
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}
}

func TestClose_RejectsNewJobs(t *testing.T) {
	q := New(Options{
		Handler: func(context.Context, any) (map[string]any, error) { return nil, nil },
	})
	q.Close()
	if _, err := q.Submit(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v; want ErrClosed", err)
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"reject", PolicyReject},
		{"wait", PolicyWait},
		{"drop_oldest", PolicyDropOldest},
		{"", PolicyReject},
		{"bogus", PolicyReject},
	}
	for _, tc := range tests {
		if got := ParsePolicy(tc.in); got != tc.want {
			t.Errorf("ParsePolicy(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func waitForDepth(t *testing.T, q *Queue, depth int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Snapshot().Depth >= depth {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached depth %d", depth)
}

func waitForInFlight(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Snapshot().InFlight >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d in-flight jobs", n)
}
