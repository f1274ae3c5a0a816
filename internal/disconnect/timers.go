package disconnect

import "time"

// armLocked starts the timer for e, or dispatches it right away when the
// due time has already passed.
func (r *Registry) armLocked(e *entry) {
	d := e.rec.DueAt.Sub(r.now())
	if d <= 0 {
		r.claimLocked(e)
		go r.execute(e)
		return
	}
	id := e.id
	e.timer = time.AfterFunc(d, func() { r.onTimer(id) })
}

// onTimer runs on the timer goroutine. The entry may have been cancelled or
// claimed by the sweep while the callback waited for the lock.
func (r *Registry) onTimer(id uint64) {
	r.mu.Lock()
	e := r.findLocked(id)
	if e == nil || e.firing || r.stopped {
		r.mu.Unlock()
		return
	}
	r.claimLocked(e)
	r.mu.Unlock()

	r.execute(e)
}

// claimLocked marks e as firing and registers it as in flight.
func (r *Registry) claimLocked(e *entry) {
	e.firing = true
	if e.timer != nil {
		e.timer.Stop()
	}
	r.inflight.Add(1)
}

func (r *Registry) disarmAllLocked() {
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
