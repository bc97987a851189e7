package overlay

import (
	"context"
	"sync"
	"time"
)

// PausedUntil is a shared, mutable pause signal the session layer can set to
// throttle every forwarding task uniformly (e.g. on a rate-limit or
// backpressure signal from the relay). It intentionally holds one instant
// for the whole layer rather than a per-peer copy.
type PausedUntil struct {
	mu  sync.Mutex
	val *time.Time
}

// NewPausedUntil returns an unset pause cell.
func NewPausedUntil() *PausedUntil {
	return &PausedUntil{}
}

// Set arms the pause: every forwarding task's next wait observes it.
func (p *PausedUntil) Set(until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.val = &until
}

// wait blocks until any armed pause has elapsed. The clear is conditional:
// only a pause already due at the moment this goroutine re-checks is reset,
// so a pause re-armed during another forwarder's sleep survives the first
// waker.
func (p *PausedUntil) wait(ctx context.Context) error {
	p.mu.Lock()
	until := p.val
	p.mu.Unlock()
	if until == nil {
		return nil
	}

	if now := time.Now(); now.Before(*until) {
		timer := time.NewTimer(until.Sub(now))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	if p.val != nil && !time.Now().Before(*p.val) {
		p.val = nil
	}
	p.mu.Unlock()
	return nil
}

// getNextFwdPayload waits out any pending pause, then returns the next
// queued payload. ok is false (err nil) when rx is closed; err is non-nil
// only on context cancellation.
func getNextFwdPayload(ctx context.Context, rx <-chan []byte, paused *PausedUntil) (payload []byte, ok bool, err error) {
	if err := paused.wait(ctx); err != nil {
		return nil, false, err
	}
	select {
	case payload, ok := <-rx:
		return payload, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
