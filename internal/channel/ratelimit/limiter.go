// Package ratelimit paces outbound sends on channels where bursts risk the
// account being flagged. It combines a per-recipient minimum delay with a
// sliding-window cap per account.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// windowMargin pads window waits so a wake-up never lands exactly on the
// boundary it is waiting for.
const windowMargin = 10 * time.Millisecond

// Config tunes a Limiter. Zero values disable the corresponding check.
type Config struct {
	// MinDelay is the minimum gap between two sends to the same recipient.
	MinDelay time.Duration
	// Window and WindowLimit cap sends per account inside a sliding window.
	Window      time.Duration
	WindowLimit int
}

// Limiter paces sends. It is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	lastSend map[string]time.Time
	stamps   map[string][]time.Time
}

// New creates a Limiter with the given config.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:      cfg,
		now:      time.Now,
		lastSend: map[string]time.Time{},
		stamps:   map[string][]time.Time{},
	}
}

// Wait blocks until a send to recipientID on accountID is allowed, then
// records it. It returns early with the context's error if ctx is done.
func (l *Limiter) Wait(ctx context.Context, accountID, recipientID string) error {
	key := accountID + "|" + recipientID
	for {
		l.mu.Lock()
		now := l.now()
		wait := l.waitLocked(accountID, key, now)
		if wait <= 0 {
			l.recordLocked(accountID, key, now)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// waitLocked computes how long the caller must wait before sending. Caller
// holds the mutex.
func (l *Limiter) waitLocked(accountID, key string, now time.Time) time.Duration {
	var wait time.Duration
	if l.cfg.MinDelay > 0 {
		if last, ok := l.lastSend[key]; ok {
			if d := l.cfg.MinDelay - now.Sub(last); d > wait {
				wait = d
			}
		}
	}
	if l.cfg.Window > 0 && l.cfg.WindowLimit > 0 {
		stamps := l.pruneLocked(accountID, now)
		if len(stamps) >= l.cfg.WindowLimit {
			// Oldest stamp leaving the window frees a slot. The margin keeps
			// the retry from waking exactly on the boundary.
			if d := l.cfg.Window - now.Sub(stamps[0]) + windowMargin; d > wait {
				wait = d
			}
		}
	}
	return wait
}

func (l *Limiter) recordLocked(accountID, key string, now time.Time) {
	if l.cfg.MinDelay > 0 {
		l.lastSend[key] = now
	}
	if l.cfg.Window > 0 && l.cfg.WindowLimit > 0 {
		l.stamps[accountID] = append(l.stamps[accountID], now)
	}
}

func (l *Limiter) pruneLocked(accountID string, now time.Time) []time.Time {
	stamps := l.stamps[accountID]
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
		l.stamps[accountID] = stamps
	}
	return stamps
}
