package discovery

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/pickup-scheduler/internal/buywindow"
	"github.com/example/pickup-scheduler/internal/pickup"
	"github.com/example/pickup-scheduler/internal/registration"
)

type fakeDirectory struct {
	sessions []pickup.Session
}

func (f *fakeDirectory) Sessions(context.Context) ([]pickup.Session, error) {
	return f.sessions, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func newTestBridge(t *testing.T, dir Directory, mode string) (*Bridge, registration.Store, *recordingNotifier) {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	store, err := registration.NewFileStore(filepath.Join(t.TempDir(), "pending.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	notif := &recordingNotifier{}
	// Monday 2025-11-10 08:00 Pacific
	now := time.Date(2025, 11, 10, 8, 0, 0, 0, loc)
	b := &Bridge{
		Directory: dir,
		Store:     store,
		Calc:      buywindow.New(9, 25, loc),
		Notifier:  notif,
		Policy: Policy{
			Weekdays:  []time.Weekday{time.Wednesday, time.Friday},
			Lookahead: 14,
			Mode:      mode,
		},
		UserID: 1,
		Log:    zerolog.Nop(),
		Now:    func() time.Time { return now },
	}
	return b, store, notif
}

func sessionsFixture(loc *time.Location) []pickup.Session {
	return []pickup.Session{
		{ID: 42, Date: time.Date(2025, 11, 19, 7, 30, 0, 0, loc), BuyDayMinimum: 6, Cost: 27}, // Wednesday, in range
		{ID: 43, Date: time.Date(2025, 11, 14, 19, 0, 0, 0, loc), BuyDayMinimum: 6, Cost: 27}, // Friday, in range
		{ID: 44, Date: time.Date(2025, 11, 13, 19, 0, 0, 0, loc), BuyDayMinimum: 6, Cost: 27}, // Thursday: wrong weekday
		{ID: 45, Date: time.Date(2025, 12, 26, 19, 0, 0, 0, loc), BuyDayMinimum: 6, Cost: 27}, // Friday but past lookahead
		{ID: 46, Date: time.Date(2025, 11, 7, 19, 0, 0, 0, loc), BuyDayMinimum: 6, Cost: 27},  // Friday but already past
	}
}

func TestSyncQueuesMatchingSessions(t *testing.T) {
	loc, _ := time.LoadLocation("America/Los_Angeles")
	b, store, _ := newTestBridge(t, &fakeDirectory{sessions: sessionsFixture(loc)}, ModeAuto)

	if err := b.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, _ := store.List(context.Background())
	if len(got) != 2 {
		t.Fatalf("queued %d sessions, want 2 (Wed+Fri inside lookahead)", len(got))
	}

	byID := map[int64]registration.Pending{}
	for _, p := range got {
		byID[p.SessionID] = p
	}
	want := time.Date(2025, 11, 13, 9, 25, 0, 0, loc)
	if p, ok := byID[42]; !ok || !p.OpensAt.Equal(want) {
		t.Fatalf("session 42 opensAt = %v, want %v", p.OpensAt, want)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	loc, _ := time.LoadLocation("America/Los_Angeles")
	b, store, _ := newTestBridge(t, &fakeDirectory{sessions: sessionsFixture(loc)}, ModeAuto)
	ctx := context.Background()

	if err := b.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// simulate a failed attempt between syncs
	if err := store.RecordAttempt(ctx, 42, 1, 1, false, "race"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	got, _ := store.List(ctx)
	if len(got) != 2 {
		t.Fatalf("got %d entries after double sync, want 2", len(got))
	}
	for _, p := range got {
		if p.SessionID == 42 && p.Attempts != 1 {
			t.Fatalf("attempts = %d after re-sync, want 1 untouched", p.Attempts)
		}
	}
}

func TestSyncReschedulesMovedSession(t *testing.T) {
	loc, _ := time.LoadLocation("America/Los_Angeles")
	dir := &fakeDirectory{sessions: sessionsFixture(loc)}
	b, store, _ := newTestBridge(t, dir, ModeAuto)
	ctx := context.Background()

	if err := b.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := store.RecordAttempt(ctx, 42, 1, 1, false, "race"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	// session 42 slides from Wednesday the 19th to Friday the 21st
	dir.sessions[0].Date = time.Date(2025, 11, 21, 7, 30, 0, 0, loc)
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	got, _ := store.List(ctx)
	byID := map[int64]registration.Pending{}
	for _, p := range got {
		byID[p.SessionID] = p
	}
	want := time.Date(2025, 11, 15, 9, 25, 0, 0, loc)
	p, ok := byID[42]
	if !ok {
		t.Fatal("session 42 missing after re-sync")
	}
	if !p.OpensAt.Equal(want) {
		t.Fatalf("session 42 opensAt = %v, want %v (re-derived from moved date)", p.OpensAt, want)
	}
	if p.Attempts != 1 {
		t.Fatalf("attempts = %d after reschedule, want 1 untouched", p.Attempts)
	}
}

func TestManualModePromptsWithoutQueueing(t *testing.T) {
	loc, _ := time.LoadLocation("America/Los_Angeles")
	b, store, notif := newTestBridge(t, &fakeDirectory{sessions: sessionsFixture(loc)}, ModeManual)

	if err := b.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, _ := store.List(context.Background())
	if len(got) != 0 {
		t.Fatalf("manual mode queued %d entries, want 0", len(got))
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	prompts := 0
	for _, m := range notif.msgs {
		if strings.Contains(m, "auto-register") {
			prompts++
		}
	}
	if prompts != 2 {
		t.Fatalf("sent %d opt-in prompts, want 2", prompts)
	}
}

func TestManualModeSkipsAlreadyQueued(t *testing.T) {
	loc, _ := time.LoadLocation("America/Los_Angeles")
	b, store, notif := newTestBridge(t, &fakeDirectory{sessions: sessionsFixture(loc)}, ModeManual)
	ctx := context.Background()

	// user opted in to session 42 through the bot already
	err := store.Enqueue(ctx, registration.Pending{
		SessionID:   42,
		UserID:      1,
		SessionDate: time.Date(2025, 11, 19, 7, 30, 0, 0, loc),
		OpensAt:     time.Date(2025, 11, 13, 9, 25, 0, 0, loc),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	notif.mu.Lock()
	defer notif.mu.Unlock()
	for _, m := range notif.msgs {
		if strings.Contains(m, "session 42") {
			t.Fatalf("re-prompted for queued session: %q", m)
		}
	}
}
