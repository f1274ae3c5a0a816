package disconnect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sleeptimer/internal/eventbus"
	"sleeptimer/internal/storage"
	logx "sleeptimer/pkg/logx"
)

type recordingEffect struct {
	mu    sync.Mutex
	calls []storage.Record
	err   error
}

func (f *recordingEffect) RemoveSubjectFromScope(ctx context.Context, subjectID, scopeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, storage.Record{SubjectID: subjectID, ScopeID: scopeID})
	return f.err
}

func (f *recordingEffect) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *recordingEffect) snapshot() []storage.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Record(nil), f.calls...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts map[string][]string
}

func (n *recordingNotifier) Notify(ctx context.Context, scopeID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.texts == nil {
		n.texts = map[string][]string{}
	}
	n.texts[scopeID] = append(n.texts[scopeID], text)
	return nil
}

func (n *recordingNotifier) get(scopeID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts[scopeID]...)
}

type failingStore struct{ storage.Store }

func (failingStore) Load(context.Context) ([]storage.Record, error) { return nil, nil }
func (failingStore) Append(context.Context, storage.Record) error {
	return errors.New("disk full")
}
func (failingStore) ReplaceAll(context.Context, []storage.Record) error {
	return errors.New("disk full")
}
func (failingStore) Close() error { return nil }

func openStore(t *testing.T, path string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func startRegistry(t *testing.T, st storage.Store, eff Effect, opts ...Option) *Registry {
	t.Helper()
	r := New(Config{FireTimeout: time.Second}, st, eff, logx.Nop(), opts...)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func loadAll(t *testing.T, st storage.Store) []storage.Record {
	t.Helper()
	recs, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return recs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRestartRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending_commands.txt")
	ctx := context.Background()
	due := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	first := New(Config{}, openStore(t, path), &recordingEffect{}, logx.Nop())
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	want := []ScheduledAction{
		{SubjectID: "1", ScopeID: "A", DueAt: due},
		{SubjectID: "2", ScopeID: "A", DueAt: due.Add(time.Minute)},
		{SubjectID: "1", ScopeID: "B", DueAt: due.Add(2 * time.Minute)},
	}
	for _, w := range want {
		if _, err := first.Schedule(ctx, w.SubjectID, w.ScopeID, w.DueAt); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	eff := &recordingEffect{}
	second := startRegistry(t, openStore(t, path), eff)
	if diff := cmp.Diff(want, second.List("")); diff != "" {
		t.Fatalf("recovered set mismatch (-want +got):\n%s", diff)
	}
	if eff.count() != 0 {
		t.Fatalf("future records fired on recovery: %d", eff.count())
	}
}

func TestConcurrentScheduleLosesNothing(t *testing.T) {
	t.Parallel()

	const n = 64
	st := openStore(t, filepath.Join(t.TempDir(), "pending_commands.txt"))
	r := startRegistry(t, st, &recordingEffect{})
	due := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Schedule(context.Background(), fmt.Sprint(i), "scope", due); err != nil {
				t.Errorf("Schedule(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(r.List("scope")); got != n {
		t.Fatalf("List = %d records, want %d", got, n)
	}
	if got := len(loadAll(t, st)); got != n {
		t.Fatalf("store holds %d records, want %d", got, n)
	}
}

func TestCancelScopeLeavesOtherScopes(t *testing.T) {
	t.Parallel()

	st := openStore(t, filepath.Join(t.TempDir(), "pending_commands.txt"))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	r := startRegistry(t, st, &recordingEffect{}, WithBus(bus))
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	for _, s := range []struct{ subject, scope string }{{"1", "A"}, {"2", "A"}, {"3", "B"}, {"1", "A"}} {
		if _, err := r.Schedule(ctx, s.subject, s.scope, due); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.CancelScope(ctx, "A")
	if err != nil || n != 3 {
		t.Fatalf("CancelScope(A) = %d, %v; want 3", n, err)
	}
	if got := r.List("A"); len(got) != 0 {
		t.Fatalf("scope A still has %v", got)
	}
	if got := r.List("B"); len(got) != 1 || got[0].SubjectID != "3" {
		t.Fatalf("scope B = %v", got)
	}
	stored := loadAll(t, st)
	if len(stored) != 1 || stored[0].ScopeID != "B" {
		t.Fatalf("store = %v", stored)
	}

	n, err = r.CancelScope(ctx, "A")
	if err != nil || n != 0 {
		t.Fatalf("second CancelScope(A) = %d, %v; want 0", n, err)
	}

	cancelled := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventCancelled {
			cancelled++
		}
	}
	if cancelled != 3 {
		t.Fatalf("cancelled events = %d, want 3", cancelled)
	}
}

func TestCancelSubjectRemovesAllMatchesInScope(t *testing.T) {
	t.Parallel()

	r := startRegistry(t, nil, &recordingEffect{})
	ctx := context.Background()
	due := time.Now().Add(time.Hour)
	for _, s := range []struct{ subject, scope string }{{"1", "A"}, {"1", "A"}, {"2", "A"}, {"1", "B"}} {
		if _, err := r.Schedule(ctx, s.subject, s.scope, due); err != nil {
			t.Fatal(err)
		}
	}

	n, err := r.Cancel(ctx, "A", "1")
	if err != nil || n != 2 {
		t.Fatalf("Cancel(A, 1) = %d, %v; want 2", n, err)
	}
	if got := r.List(""); len(got) != 2 {
		t.Fatalf("remaining = %v", got)
	}
	if n, _ := r.Cancel(ctx, "A", "9"); n != 0 {
		t.Fatalf("Cancel of unknown subject removed %d", n)
	}
}

func TestFireRacingCancelNeverDoubleFires(t *testing.T) {
	t.Parallel()

	for i := 0; i < 40; i++ {
		eff := &recordingEffect{}
		notes := &recordingNotifier{}
		r := startRegistry(t, nil, eff, WithNotifier(notes))
		ctx := context.Background()

		if _, err := r.Schedule(ctx, "S", "C", time.Now().Add(2*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Duration(i%4) * time.Millisecond)
		removed, err := r.Cancel(ctx, "C", "S")
		if err != nil {
			t.Fatal(err)
		}

		waitFor(t, "registry to drain", func() bool { return r.Len() == 0 })
		fired := eff.count()
		if fired > 1 {
			t.Fatalf("iteration %d: fired %d times", i, fired)
		}
		if removed == 1 && fired != 0 {
			t.Fatalf("iteration %d: cancelled record still fired", i)
		}
		if removed == 1 {
			time.Sleep(5 * time.Millisecond)
			if got := notes.get("C"); len(got) != 0 {
				t.Fatalf("iteration %d: cancelled record notified %q", i, got)
			}
		}
		if removed == 0 && fired != 1 {
			t.Fatalf("iteration %d: record neither cancelled nor fired", i)
		}
	}
}

func TestRecoveryFiresOverdueImmediately(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending_commands.txt")
	st := openStore(t, path)
	now := time.Now()
	future := storage.Record{SubjectID: "2", ScopeID: "C", DueAt: now.Add(time.Hour)}
	if err := st.ReplaceAll(context.Background(), []storage.Record{
		{SubjectID: "1", ScopeID: "C", DueAt: now.Add(-time.Minute)},
		future,
	}); err != nil {
		t.Fatal(err)
	}

	eff := &recordingEffect{}
	r := startRegistry(t, st, eff)

	waitFor(t, "overdue record to fire", func() bool { return eff.count() == 1 })
	if got := eff.snapshot()[0]; got.SubjectID != "1" || got.ScopeID != "C" {
		t.Fatalf("fired %+v", got)
	}
	if diff := cmp.Diff([]ScheduledAction{future}, r.List("")); diff != "" {
		t.Fatalf("pending mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, "store to drop fired record", func() bool { return len(loadAll(t, st)) == 1 })
}

func TestScheduleFiresAndNotifies(t *testing.T) {
	t.Parallel()

	st := openStore(t, filepath.Join(t.TempDir(), "pending_commands.txt"))
	eff := &recordingEffect{}
	notes := &recordingNotifier{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	r := startRegistry(t, st, eff,
		WithNotifier(notes),
		WithBus(bus),
		WithMention(func(id string) string { return "<@" + id + ">" }),
	)

	// "!d @S 10s" scaled down to milliseconds.
	if _, err := r.Schedule(context.Background(), "S", "C", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if got := len(r.List("C")); got != 1 {
		t.Fatalf("List before fire = %d", got)
	}
	if eff.count() != 0 {
		t.Fatal("fired early")
	}

	waitFor(t, "notification", func() bool { return len(notes.get("C")) == 1 })
	if diff := cmp.Diff([]storage.Record{{SubjectID: "S", ScopeID: "C"}}, eff.snapshot()); diff != "" {
		t.Fatalf("effect calls (-want +got):\n%s", diff)
	}
	if got := notes.get("C")[0]; got != "<@S> has been disconnected from the voice channel" {
		t.Fatalf("notification = %q", got)
	}
	waitFor(t, "store to empty", func() bool { return len(loadAll(t, st)) == 0 })
	if got := r.List("C"); len(got) != 0 {
		t.Fatalf("List after fire = %v", got)
	}

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	if !seen[EventScheduled] || !seen[EventFired] {
		t.Fatalf("events seen = %v", seen)
	}
}

func TestEffectFailureDischargesRecord(t *testing.T) {
	t.Parallel()

	st := openStore(t, filepath.Join(t.TempDir(), "pending_commands.txt"))
	eff := &recordingEffect{err: errors.New("member left")}
	notes := &recordingNotifier{}
	r := startRegistry(t, st, eff, WithNotifier(notes))

	if _, err := r.Schedule(context.Background(), "S", "C", time.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "record discharged", func() bool { return r.Len() == 0 })
	if eff.count() != 1 {
		t.Fatalf("effect calls = %d", eff.count())
	}
	if len(notes.get("C")) != 0 {
		t.Fatal("failure must not notify")
	}
	waitFor(t, "store to empty", func() bool { return len(loadAll(t, st)) == 0 })
}

func TestStoreFailureKeepsRecordArmed(t *testing.T) {
	t.Parallel()

	eff := &recordingEffect{}
	r := startRegistry(t, failingStore{}, eff)

	if _, err := r.Schedule(context.Background(), "S", "C", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("Schedule with failing store: %v", err)
	}
	if got := len(r.List("C")); got != 1 {
		t.Fatalf("List = %d", got)
	}
	waitFor(t, "fire", func() bool { return eff.count() == 1 })
}

func TestSweepFiresAfterWallClockJump(t *testing.T) {
	t.Parallel()

	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	eff := &recordingEffect{}
	r := startRegistry(t, nil, eff, WithClock(clock))

	if _, err := r.Schedule(context.Background(), "S", "C", clock().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	r.Sweep()
	if eff.count() != 0 {
		t.Fatal("sweep fired a future record")
	}

	offset.Store(int64(2 * time.Hour))
	r.Sweep()
	waitFor(t, "sweep fire", func() bool { return eff.count() == 1 })
	waitFor(t, "drain", func() bool { return r.Len() == 0 })

	r.Sweep()
	time.Sleep(10 * time.Millisecond)
	if eff.count() != 1 {
		t.Fatalf("fired %d times", eff.count())
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()

	r := New(Config{}, nil, &recordingEffect{}, logx.Nop())
	ctx := context.Background()
	if _, err := r.Schedule(ctx, "S", "C", time.Now().Add(time.Hour)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Schedule before Start err = %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Stop(ctx)

	for _, tc := range []struct{ subject, scope string }{{"", "C"}, {"S", ""}} {
		if _, err := r.Schedule(ctx, tc.subject, tc.scope, time.Now()); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("Schedule(%q,%q) err = %v", tc.subject, tc.scope, err)
		}
	}
	if _, err := r.Cancel(ctx, "", "S"); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Cancel without scope err = %v", err)
	}
}

func TestStopKeepsPendingRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending_commands.txt")
	st := openStore(t, path)
	eff := &recordingEffect{}
	r := New(Config{}, st, eff, logx.Nop())
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Schedule(ctx, "S", "C", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if eff.count() != 0 {
		t.Fatal("timer fired after Stop")
	}
	if got := len(loadAll(t, st)); got != 1 {
		t.Fatalf("store holds %d records after Stop, want 1", got)
	}
	if _, err := r.Schedule(ctx, "S", "C", time.Now()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Schedule after Stop err = %v", err)
	}
}

// blockingEffect holds every call until its context is done.
type blockingEffect struct {
	started chan struct{}
	done    chan struct{}
}

func (b *blockingEffect) RemoveSubjectFromScope(ctx context.Context, _, _ string) error {
	close(b.started)
	<-ctx.Done()
	defer close(b.done)
	return ctx.Err()
}

func TestStopDeadlineKeepsInterruptedRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending_commands.txt")
	st := openStore(t, path)
	eff := &blockingEffect{started: make(chan struct{}), done: make(chan struct{})}
	notes := &recordingNotifier{}
	r := New(Config{FireTimeout: time.Minute}, st, eff, logx.Nop(), WithNotifier(notes))
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Schedule(context.Background(), "S", "C", time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-eff.started:
	case <-time.After(3 * time.Second):
		t.Fatal("effect never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded", err)
	}
	<-eff.done
	waitFor(t, "record to be released", func() bool { return len(r.List("C")) == 1 })

	if got := loadAll(t, st); len(got) != 1 || got[0].SubjectID != "S" {
		t.Fatalf("store after interrupted fire = %v", got)
	}
	if len(notes.get("C")) != 0 {
		t.Fatal("interrupted disconnect must not notify")
	}

	// The next run picks the record up again.
	next := &recordingEffect{}
	startRegistry(t, openStore(t, path), next)
	waitFor(t, "refire after restart", func() bool { return next.count() == 1 })
}

// unreadableStore fails Load after returning a partial read and records
// what the registry writes afterwards.
type unreadableStore struct {
	mu       sync.Mutex
	appended int
	replaced int
}

func (s *unreadableStore) Load(context.Context) ([]storage.Record, error) {
	return []storage.Record{{SubjectID: "old", ScopeID: "C", DueAt: time.Now().Add(time.Hour)}}, errors.New("read: i/o error")
}

func (s *unreadableStore) Append(context.Context, storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended++
	return nil
}

func (s *unreadableStore) ReplaceAll(context.Context, []storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced++
	return nil
}

func (s *unreadableStore) Close() error { return nil }

func (s *unreadableStore) counts() (appended, replaced int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appended, s.replaced
}

func TestFailedLoadNeverRewritesStore(t *testing.T) {
	t.Parallel()

	st := &unreadableStore{}
	eff := &recordingEffect{}
	r := startRegistry(t, st, eff)
	if got := r.List(""); len(got) != 0 {
		t.Fatalf("partial load was armed: %v", got)
	}

	ctx := context.Background()
	if _, err := r.Schedule(ctx, "1", "C", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Schedule(ctx, "2", "C", time.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fire", func() bool { return eff.count() == 1 })
	if n, err := r.Cancel(ctx, "C", "1"); err != nil || n != 1 {
		t.Fatalf("Cancel = %d, %v", n, err)
	}
	waitFor(t, "drain", func() bool { return r.Len() == 0 })

	appended, replaced := st.counts()
	if appended != 2 || replaced != 0 {
		t.Fatalf("appended=%d replaced=%d; want 2 appends and no rewrite", appended, replaced)
	}
}
