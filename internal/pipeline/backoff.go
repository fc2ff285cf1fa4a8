package pipeline

import (
	"math/rand"
	"time"
)

// Backoff computes full-jitter exponential delays: each delay is drawn
// uniformly from [0, min(cap, base*2^attempt)]. Shared by frame-source
// reconnects and the scheduler's fault cooldown so both retry with the
// same shape.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is the 1s -> 30s policy used throughout the pipeline.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second}
}

// Delay returns the sleep before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := base
	for i := 0; i < attempt; i++ {
		ceiling *= 2
		if ceiling >= b.Cap && b.Cap > 0 {
			ceiling = b.Cap
			break
		}
	}
	if b.Cap > 0 && ceiling > b.Cap {
		ceiling = b.Cap
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Sleep blocks for the attempt's jittered delay or until done closes.
// Returns false if interrupted.
func (b Backoff) Sleep(done <-chan struct{}, attempt int) bool {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
