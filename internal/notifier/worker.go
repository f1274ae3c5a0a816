package notifier

import (
	"context"
	"math/rand"
	"time"

	kit "sleeptimer/internal/transport"
	logx "sleeptimer/pkg/logx"
)

const sendTimeout = 10 * time.Second

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil || j.text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := ad.SendText(callCtx, kit.ChatTarget{ChatID: j.scopeID}, j.text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.publish(EventSent, j.scopeID, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("scope", j.scopeID), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))

		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notification dropped after retries", logx.String("scope", j.scopeID), logx.Err(lastErr))
	s.publish(EventFailed, j.scopeID, j.key, lastErr)
}

// retryDelay returns the wait before attempt+1: RetryBase doubled per
// attempt, capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
