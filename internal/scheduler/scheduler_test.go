package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pickup-scheduler/internal/registration"
)

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []int64
	results []execResult
	block   chan struct{} // when non-nil, Execute for session 1 waits on it
}

type execResult struct {
	res Result
	err error
}

func (f *fakeExecutor) Execute(ctx context.Context, sessionID, userID int64) (Result, error) {
	if f.block != nil && sessionID == 1 {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	if len(f.results) == 0 {
		return Result{Success: true}, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.res, r.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
}

func (f *fakeNotifier) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, exec *fakeExecutor, notif *fakeNotifier, now time.Time) (*Scheduler, registration.Store) {
	t.Helper()
	store, err := registration.NewFileStore(filepath.Join(t.TempDir(), "pending.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	s := &Scheduler{
		Store:          store,
		Executor:       exec,
		Notifier:       notif,
		Log:            zerolog.Nop(),
		Interval:       5 * time.Second,
		MaxAttempts:    3,
		Backoff:        time.Millisecond,
		AttemptTimeout: time.Second,
		Now:            func() time.Time { return now },
	}
	return s, store
}

func enqueue(t *testing.T, store registration.Store, sessionID int64, opensAt time.Time) {
	t.Helper()
	err := store.Enqueue(context.Background(), registration.Pending{
		SessionID:   sessionID,
		UserID:      1,
		SessionDate: opensAt.AddDate(0, 0, 6),
		OpensAt:     opensAt,
		Cost:        27,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestFiresExactlyOnceAtWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	exec := &fakeExecutor{}
	notif := &fakeNotifier{}
	s, store := newTestScheduler(t, exec, notif, now)

	enqueue(t, store, 42, now)
	s.tick(ctx)
	s.wg.Wait()
	s.tick(ctx)
	s.wg.Wait()

	if got := exec.callCount(); got != 1 {
		t.Fatalf("executor called %d times, want 1", got)
	}
	left, _ := store.List(ctx)
	if len(left) != 0 {
		t.Fatalf("%d entries left in store, want 0", len(left))
	}
	if n := notif.count("Registered for session 42"); n != 1 {
		t.Fatalf("%d success notifications, want 1", n)
	}
}

func TestDoesNotFireBeforeWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 0, 0, 0, time.UTC)
	exec := &fakeExecutor{}
	s, store := newTestScheduler(t, exec, &fakeNotifier{}, now)

	enqueue(t, store, 42, now.Add(time.Hour))
	s.tick(ctx)
	s.wg.Wait()

	if got := exec.callCount(); got != 0 {
		t.Fatalf("executor called %d times before window, want 0", got)
	}
}

func TestHalfIntervalEarlyTolerance(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	exec := &fakeExecutor{}
	s, store := newTestScheduler(t, exec, &fakeNotifier{}, now)

	enqueue(t, store, 1, now.Add(s.Interval/2)) // inside tolerance
	enqueue(t, store, 2, now.Add(s.Interval))   // outside
	s.tick(ctx)
	s.wg.Wait()

	if got := exec.callCount(); got != 1 {
		t.Fatalf("executor called %d times, want 1 (only the in-tolerance entry)", got)
	}
}

func TestOverdueEntryFiresImmediately(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 12, 0, 0, 0, time.UTC)
	exec := &fakeExecutor{}
	s, store := newTestScheduler(t, exec, &fakeNotifier{}, now)

	// window passed hours ago, e.g. while the process was down
	enqueue(t, store, 42, now.Add(-3*time.Hour))
	s.tick(ctx)
	s.wg.Wait()

	if got := exec.callCount(); got != 1 {
		t.Fatalf("executor called %d times, want 1", got)
	}
}

func TestRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	exec := &fakeExecutor{results: []execResult{{res: Result{Success: false, Message: "session full"}}}}
	notif := &fakeNotifier{}
	s, store := newTestScheduler(t, exec, notif, now)

	enqueue(t, store, 42, now)
	s.tick(ctx)
	s.wg.Wait()

	if got := exec.callCount(); got != 3 {
		t.Fatalf("executor called %d times, want 3", got)
	}
	left, _ := store.List(ctx)
	if len(left) != 0 {
		t.Fatalf("%d entries left, want 0 (abandoned entries are removed)", len(left))
	}
	if n := notif.count("Giving up"); n != 1 {
		t.Fatalf("%d terminal failure notifications, want exactly 1", n)
	}
	if n := notif.count("Retrying"); n != 1 {
		t.Fatalf("%d intermediate notifications, want exactly 1", n)
	}
}

func TestUpstreamErrorCountsAsAttempt(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	exec := &fakeExecutor{results: []execResult{{err: errors.New("upstream unavailable")}}}
	notif := &fakeNotifier{}
	s, store := newTestScheduler(t, exec, notif, now)

	enqueue(t, store, 42, now)
	s.tick(ctx)
	s.wg.Wait()

	if got := exec.callCount(); got != 3 {
		t.Fatalf("executor called %d times, want 3", got)
	}
	if n := notif.count("Giving up"); n != 1 {
		t.Fatalf("%d terminal notifications, want 1", n)
	}
}

func TestRemovalBeforeWakeupPreventsExecution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	exec := &fakeExecutor{}
	s, store := newTestScheduler(t, exec, &fakeNotifier{}, now)

	enqueue(t, store, 42, now)
	if err := store.Remove(ctx, 42, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.runEntry(ctx, 42, 1)

	if got := exec.callCount(); got != 0 {
		t.Fatalf("executor called %d times after removal, want 0", got)
	}
}

func TestOverlappingWakeupsSingleExecution(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	exec := &fakeExecutor{}
	s, store := newTestScheduler(t, exec, &fakeNotifier{}, now)

	enqueue(t, store, 42, now)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runEntry(ctx, 42, 1)
		}()
	}
	wg.Wait()

	if got := exec.callCount(); got != 1 {
		t.Fatalf("executor called %d times from overlapping wake-ups, want 1", got)
	}
}

func TestIndependentEntriesDoNotSerialize(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	release := make(chan struct{})
	exec := &fakeExecutor{block: release}
	s, store := newTestScheduler(t, exec, &fakeNotifier{}, now)

	enqueue(t, store, 1, now) // blocks until released
	enqueue(t, store, 2, now)
	s.tick(ctx)

	// session 2 must complete while session 1 is still held up
	deadline := time.After(2 * time.Second)
	for exec.callCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("session 2 did not execute while session 1 was blocked")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	s.wg.Wait()

	if got := exec.callCount(); got != 2 {
		t.Fatalf("executor called %d times, want 2", got)
	}
}

type failingResetStore struct {
	registration.Store
}

func (failingResetStore) ResetInProgress(context.Context) (int, error) {
	return 0, errors.New("state file unreadable")
}

// Run must surface a recovery failure instead of polling with state it
// could not restore.
func TestRunFailsWhenRecoveryFails(t *testing.T) {
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	s, store := newTestScheduler(t, &fakeExecutor{}, &fakeNotifier{}, now)
	s.Store = failingResetStore{store}

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil with unrecoverable state, want error")
	}
}

func TestResumesFromPersistedAttemptCount(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 13, 9, 25, 0, 0, time.UTC)
	exec := &fakeExecutor{results: []execResult{{res: Result{Success: false, Message: "still full"}}}}
	notif := &fakeNotifier{}
	s, store := newTestScheduler(t, exec, notif, now)

	// two failed attempts happened before the crash
	enqueue(t, store, 42, now)
	if _, ok, _ := store.Claim(ctx, 42, 1); !ok {
		t.Fatal("claim failed")
	}
	if err := store.RecordAttempt(ctx, 42, 1, 2, false, "crash sim"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if _, err := store.ResetInProgress(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	s.tick(ctx)
	s.wg.Wait()

	// only one attempt budget remained
	if got := exec.callCount(); got != 1 {
		t.Fatalf("executor called %d times, want 1", got)
	}
	if n := notif.count("Giving up"); n != 1 {
		t.Fatalf("%d terminal notifications, want 1", n)
	}
}
