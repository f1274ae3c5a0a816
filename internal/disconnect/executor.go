package disconnect

import (
	"context"
	"time"

	logx "sleeptimer/pkg/logx"
)

const notifyTimeout = 10 * time.Second

// execute performs the effect for a claimed entry, then drops it from the
// set and rewrites the store. The record stays persisted until the effect
// has returned, so a crash in between repeats the disconnect on restart.
// An effect cut short by Stop leaves the record in place as well.
func (r *Registry) execute(e *entry) {
	defer r.inflight.Done()

	rec := e.rec
	log := r.log.With(logx.String("subject", rec.SubjectID), logx.String("scope", rec.ScopeID))
	late := r.now().Sub(rec.DueAt)

	ctx, cancel := context.WithTimeout(r.fireCtx, r.cfg.FireTimeout)
	err := r.effect.RemoveSubjectFromScope(ctx, rec.SubjectID, rec.ScopeID)
	cancel()

	if err != nil && r.fireCtx.Err() != nil {
		// Interrupted by Stop: the record stays in the store and fires on
		// the next Start.
		r.mu.Lock()
		e.firing = false
		r.mu.Unlock()
		log.Warn("disconnect interrupted by shutdown; kept for next start", logx.Err(err))
		return
	}

	if err != nil {
		log.Warn("disconnect failed", logx.Duration("late", late), logx.Err(err))
		r.publish(EventFailed, rec)
	} else {
		log.Info("disconnected", logx.Duration("late", late))
		r.publish(EventFired, rec)
		if r.notify != nil {
			nctx, ncancel := context.WithTimeout(r.fireCtx, notifyTimeout)
			text := r.mention(rec.SubjectID) + " has been disconnected from the voice channel"
			if err := r.notify.Notify(nctx, rec.ScopeID, text); err != nil {
				log.Warn("disconnect notification failed", logx.Err(err))
			}
			ncancel()
		}
	}

	r.mu.Lock()
	if r.removeLocked(e.id) {
		r.persistLocked(context.Background())
	}
	r.mu.Unlock()
}
