package disconnect

import (
	"context"

	logx "sleeptimer/pkg/logx"
)

// Start loads the persisted set and re-arms it. Overdue records are fired
// at once without being armed. After a successful load the store is
// rewritten once, which drops any malformed entries. A failed load is
// logged and the registry starts empty; until the next Start the store then
// only receives appends, so the unread records are never overwritten.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if r.stopped {
		return ErrNotRunning
	}

	var recs []ScheduledAction
	r.loaded = true
	if r.store != nil {
		var err error
		recs, err = r.store.Load(ctx)
		if err != nil {
			// A partial read is not armed: rewriting it later would erase
			// the records that were never read.
			recs = nil
			r.loaded = false
			r.log.Error("loading pending disconnects failed; starting empty", logx.Err(err))
		}
	}

	now := r.now()
	overdue := 0
	for _, rec := range recs {
		if !rec.Valid() {
			continue
		}
		e := r.insertLocked(rec)
		if !rec.DueAt.After(now) {
			overdue++
		}
		r.armLocked(e)
		r.publish(EventRecovered, rec)
	}
	r.persistLocked(ctx)
	r.running = true

	if err := r.startSweepLocked(); err != nil {
		r.log.Warn("timer sweep disabled", logx.Err(err))
	}

	r.log.Info("pending disconnects recovered",
		logx.Int("records", len(r.entries)),
		logx.Int("overdue", overdue),
	)
	return nil
}

// Stop disarms every timer and waits for in-flight disconnects, bounded by
// ctx. Pending records stay in the store for the next Start. When ctx
// expires first the in-flight effects are cancelled and their records are
// kept as well.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.stopped = true
	r.disarmAllLocked()
	sweeper := r.sweeper
	r.sweeper = nil
	r.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.fireCancel()
		return nil
	case <-ctx.Done():
		r.fireCancel()
		return ctx.Err()
	}
}
