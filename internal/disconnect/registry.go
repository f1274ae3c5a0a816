package disconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sleeptimer/internal/eventbus"
	"sleeptimer/internal/storage"
	logx "sleeptimer/pkg/logx"
)

// ScheduledAction is one pending disconnect.
type ScheduledAction = storage.Record

var (
	ErrInvalidRecord = errors.New("subject and scope are required")
	ErrNotRunning    = errors.New("registry is not running")
)

const (
	EventScheduled = "disconnect.scheduled"
	EventCancelled = "disconnect.cancelled"
	EventFired     = "disconnect.fired"
	EventFailed    = "disconnect.failed"
	EventRecovered = "disconnect.recovered"
)

// Effect performs the disconnect on the platform.
type Effect interface {
	RemoveSubjectFromScope(ctx context.Context, subjectID, scopeID string) error
}

// Notifier posts a message into a scope.
type Notifier interface {
	Notify(ctx context.Context, scopeID, text string) error
}

type Config struct {
	FireTimeout   time.Duration
	SweepInterval time.Duration // 0 disables the sweep
	Location      *time.Location
}

type Option func(*Registry)

func WithNotifier(n Notifier) Option { return func(r *Registry) { r.notify = n } }

func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }

// WithClock replaces time.Now for due-time comparisons.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithMention renders the subject in the post-fire notification.
func WithMention(fn func(subjectID string) string) Option {
	return func(r *Registry) { r.mention = fn }
}

// Registry owns the pending set. Every mutation of the set and the store
// happens under mu, so store writes never interleave and a timer firing
// races a cancel on equal terms: whoever takes mu first wins.
type Registry struct {
	cfg     Config
	store   storage.Store
	effect  Effect
	notify  Notifier
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	mention func(string) string

	mu      sync.Mutex
	seq     uint64
	entries []*entry
	running bool
	stopped bool
	// loaded is false after a failed Load; the unread store is then only
	// appended to, never rewritten.
	loaded  bool
	sweeper *cron.Cron

	fireCtx    context.Context
	fireCancel context.CancelFunc
	inflight   sync.WaitGroup
}

type entry struct {
	id     uint64
	rec    storage.Record
	timer  *time.Timer
	firing bool // claimed by the executor; hidden from List and Cancel
}

// New builds a registry. store may be nil, in which case nothing survives a
// restart.
func New(cfg Config, store storage.Store, effect Effect, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = 15 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	r := &Registry{
		cfg:     cfg,
		store:   store,
		effect:  effect,
		bus:     eventbus.Nop(),
		log:     log.With(logx.String("comp", "disconnect")),
		now:     time.Now,
		mention: func(id string) string { return id },
	}
	for _, o := range opts {
		o(r)
	}
	r.fireCtx, r.fireCancel = context.WithCancel(context.Background())
	return r
}

// Schedule persists a new record and arms its timer. A due time in the past
// fires immediately. Store failures are logged; the record stays armed.
func (r *Registry) Schedule(ctx context.Context, subjectID, scopeID string, dueAt time.Time) (ScheduledAction, error) {
	rec := storage.Record{SubjectID: subjectID, ScopeID: scopeID, DueAt: dueAt}
	if subjectID == "" || scopeID == "" || dueAt.IsZero() {
		return rec, ErrInvalidRecord
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return rec, ErrNotRunning
	}

	e := r.insertLocked(rec)
	if r.store != nil {
		if err := r.store.Append(ctx, rec); err != nil {
			r.log.Error("persist scheduled disconnect failed", logx.String("subject", subjectID), logx.String("scope", scopeID), logx.Err(err))
		}
	}
	r.armLocked(e)

	r.log.Info("disconnect scheduled",
		logx.String("subject", subjectID),
		logx.String("scope", scopeID),
		logx.Time("due_at", dueAt.In(r.cfg.Location)),
	)
	r.publish(EventScheduled, rec)
	return rec, nil
}

// Cancel removes pending records in scopeID. An empty subjectID removes every
// record in the scope; otherwise all records for that subject go. Records
// already firing are not affected. It returns how many were removed.
func (r *Registry) Cancel(ctx context.Context, scopeID, subjectID string) (int, error) {
	if scopeID == "" {
		return 0, ErrInvalidRecord
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return 0, ErrNotRunning
	}

	kept := make([]*entry, 0, len(r.entries))
	var removed []storage.Record
	for _, e := range r.entries {
		if !e.firing && e.rec.ScopeID == scopeID && (subjectID == "" || e.rec.SubjectID == subjectID) {
			if e.timer != nil {
				e.timer.Stop()
			}
			removed = append(removed, e.rec)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	r.entries = kept
	r.persistLocked(ctx)

	r.log.Info("disconnects cancelled",
		logx.String("scope", scopeID),
		logx.String("subject", subjectID),
		logx.Int("removed", len(removed)),
	)
	for _, rec := range removed {
		r.publish(EventCancelled, rec)
	}
	return len(removed), nil
}

// CancelScope removes every pending record in scopeID.
func (r *Registry) CancelScope(ctx context.Context, scopeID string) (int, error) {
	return r.Cancel(ctx, scopeID, "")
}

// List returns pending records in insertion order. An empty scopeID lists
// every scope. Records being fired are omitted.
func (r *Registry) List(scopeID string) []ScheduledAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScheduledAction, 0, len(r.entries))
	for _, e := range r.entries {
		if e.firing || (scopeID != "" && e.rec.ScopeID != scopeID) {
			continue
		}
		out = append(out, e.rec)
	}
	return out
}

// Len reports the number of records held, including ones being fired.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) insertLocked(rec storage.Record) *entry {
	r.seq++
	e := &entry{id: r.seq, rec: rec}
	r.entries = append(r.entries, e)
	return e
}

func (r *Registry) removeLocked(id uint64) bool {
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) findLocked(id uint64) *entry {
	for _, e := range r.entries {
		if e.id == id {
			return e
		}
	}
	return nil
}

// persistLocked rewrites the store with the full in-memory set, including
// records still being fired.
func (r *Registry) persistLocked(ctx context.Context) {
	if r.store == nil {
		return
	}
	if !r.loaded {
		r.log.Warn("store was not loaded at start; skipping rewrite", logx.Int("records", len(r.entries)))
		return
	}
	recs := make([]storage.Record, 0, len(r.entries))
	for _, e := range r.entries {
		recs = append(recs, e.rec)
	}
	if err := r.store.ReplaceAll(ctx, recs); err != nil {
		r.log.Error("persist pending set failed", logx.Int("records", len(recs)), logx.Err(err))
	}
}

func (r *Registry) publish(typ string, rec storage.Record) {
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: rec})
}
