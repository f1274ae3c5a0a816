package disconnect

import (
	"fmt"

	"github.com/robfig/cron/v3"

	logx "sleeptimer/pkg/logx"
)

// startSweepLocked schedules a periodic pass that fires records whose wall
// clock due time has passed while their timer has not. Go timers follow
// the monotonic clock, which stalls while the host is suspended.
func (r *Registry) startSweepLocked() error {
	if r.cfg.SweepInterval <= 0 {
		return nil
	}
	c := cron.New(
		cron.WithLocation(r.cfg.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.SweepInterval), r.Sweep); err != nil {
		return err
	}
	c.Start()
	r.sweeper = c
	return nil
}

// Sweep fires every overdue record that is not already firing.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	now := r.now()
	n := 0
	for _, e := range r.entries {
		if e.firing || e.rec.DueAt.After(now) {
			continue
		}
		// Stop reports false when the callback is already queued on mu;
		// it will fire the entry itself.
		if e.timer != nil && !e.timer.Stop() {
			continue
		}
		r.claimLocked(e)
		go r.execute(e)
		n++
	}
	if n > 0 {
		r.log.Warn("sweep fired overdue disconnects", logx.Int("count", n))
	}
}
