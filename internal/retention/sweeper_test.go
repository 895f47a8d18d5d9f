package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"connector-orchestrator/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	calls   map[store.RetentionTarget]time.Time
	fail    store.RetentionTarget
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeStore) PurgeBefore(ctx context.Context, target store.RetentionTarget, cutoff time.Time) (int64, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[store.RetentionTarget]time.Time{}
	}
	f.calls[target] = cutoff
	if target == f.fail {
		return 0, errors.New("relation does not exist")
	}
	return 3, nil
}

func TestRunUsesPerTableCutoffAndContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{fail: store.RetentionRequests}
	s := NewSweeper(fs, Policy{
		store.RetentionEvents:   24 * time.Hour,
		store.RetentionRequests: time.Hour,
		store.RetentionJobs:     48 * time.Hour,
	})
	s.now = func() time.Time { return now }

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := fs.calls[store.RetentionEvents]; !got.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("event cutoff = %v", got)
	}
	if got := fs.calls[store.RetentionJobs]; !got.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("job cutoff = %v", got)
	}
	if _, ok := fs.calls[store.RetentionAudit]; ok {
		t.Fatalf("tables without a ttl must not be swept")
	}
	if res.Deleted[store.RetentionEvents] != 3 || res.Deleted[store.RetentionJobs] != 3 {
		t.Fatalf("unexpected deleted counts %v", res.Deleted)
	}
	if _, ok := res.Failed[store.RetentionRequests]; !ok {
		t.Fatalf("expected request_log failure to be reported, got %+v", res)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	fs := &fakeStore{block: make(chan struct{}), entered: make(chan struct{}, 8)}
	s := NewSweeper(fs, Policy{store.RetentionEvents: time.Hour})

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	<-fs.entered

	if _, err := s.Run(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("expected ErrSweepInProgress, got %v", err)
	}
	if _, err := s.RunIdempotency(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("expected ErrSweepInProgress for idempotency sweep, got %v", err)
	}
	close(fs.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("run after completion: %v", err)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 24h", "0 3 * * *", "@daily"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Fatalf("%q: %v", spec, err)
		}
	}
	if err := ValidateSchedule("every day"); err == nil {
		t.Fatalf("expected an error for an invalid schedule")
	}
	if _, err := NewScheduler(NewSweeper(&fakeStore{}, nil), "nope", time.Hour, nil); err == nil {
		t.Fatalf("expected NewScheduler to reject an invalid schedule")
	}
}
