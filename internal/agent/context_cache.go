// internal/agent/context_cache.go
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ContextCache gates perception behind a freshness window so the loop does
// not re-capture the screen on every iteration. One instance may be shared by
// concurrent tasks; there is only one display, so a snapshot taken for one
// task is just as current for another.
type ContextCache struct {
	perceptor    Perceptor
	clock        Clock
	refreshAfter time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	snapshot ScreenContext
	captured bool
}

// NewContextCache validates its dependencies and returns a ready cache.
func NewContextCache(perceptor Perceptor, clock Clock, refreshAfter time.Duration, logger *zap.Logger) (*ContextCache, error) {
	if perceptor == nil {
		return nil, fmt.Errorf("perceptor must not be nil")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &ContextCache{
		perceptor:    perceptor,
		clock:        clock,
		refreshAfter: refreshAfter,
		logger:       logger.Named("context_cache"),
	}, nil
}

// Current returns the cached snapshot while it is younger than the refresh
// delay, capturing a new one otherwise.
func (c *ContextCache) Current(ctx context.Context) ScreenContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.captured && c.clock.Since(c.snapshot.CapturedAt) < c.refreshAfter {
		return c.snapshot
	}
	return c.captureLocked(ctx)
}

// Refresh bypasses the freshness window and captures immediately. The state
// machine calls this after an escalation verdict and for diagnostic snapshots
// following failed dispatches.
func (c *ContextCache) Refresh(ctx context.Context) ScreenContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureLocked(ctx)
}

// captureLocked invokes the perception service and replaces the cache. A
// perception fault must not abort the step: the previous snapshot is returned
// tagged stale instead.
func (c *ContextCache) captureLocked(ctx context.Context) ScreenContext {
	snap, err := c.perceptor.Capture(ctx)
	if err != nil {
		c.logger.Warn("Perception capture failed, reusing previous snapshot", zap.Error(err))
		if c.captured {
			stale := c.snapshot
			stale.Stale = true
			c.snapshot = stale
			return stale
		}
		// No snapshot ever succeeded; synthesize an empty one so the loop
		// can still ask the reasoning service for a next move.
		empty := ScreenContext{
			CapturedAt:  c.clock.Now(),
			Fingerprint: FingerprintOf("", ""),
			Stale:       true,
		}
		return empty
	}

	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = c.clock.Now()
	}
	snap.Fingerprint = FingerprintOf(snap.Text, snap.ActiveWindow)
	snap.Stale = false

	c.snapshot = snap
	c.captured = true
	return snap
}

// FingerprintOf hashes the normalized screen text together with the active
// window identifier. Two snapshots with the same fingerprint are treated as
// "no visible change" by the loop detector.
func FingerprintOf(text, activeWindow string) string {
	normalized := normalizeScreenText(text) + "\x00" + strings.ToLower(strings.TrimSpace(activeWindow))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// normalizeScreenText collapses whitespace and case so OCR jitter does not
// produce spurious "screen changed" signals.
func normalizeScreenText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

var _ ContextSource = (*ContextCache)(nil)
