// ABOUTME: Retry policy and backoff delay calculation for stage re-execution.
// ABOUTME: Resolves per-node overrides (max_retries, timeout_ms) against graph and config defaults.
package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/basin-run/basin/dot"
)

// DefaultMaxRetries bounds RETRY re-executions per stage when neither the
// node nor the graph overrides it.
const DefaultMaxRetries = 3

// BackoffConfig controls delay timing between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration // default 200ms
	Factor       float64       // default 2.0
	MaxDelay     time.Duration // default 60s
	Jitter       bool
}

// DefaultBackoff returns the standard backoff configuration.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 200 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     60 * time.Second,
		Jitter:       true,
	}
}

// DelayForAttempt computes InitialDelay * Factor^attempt capped at
// MaxDelay, randomized into [0, delay) when Jitter is on. Attempts are
// 0-indexed.
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2.0
	}
	baseNanos := float64(b.InitialDelay.Nanoseconds()) * math.Pow(factor, float64(attempt))
	if maxNanos := float64(b.MaxDelay.Nanoseconds()); b.MaxDelay > 0 && baseNanos > maxNanos {
		baseNanos = maxNanos
	}
	if b.Jitter {
		baseNanos = rand.Float64() * baseNanos
	}
	return time.Duration(int64(baseNanos))
}

// RetryPolicy controls RETRY handling for a stage.
type RetryPolicy struct {
	MaxRetries int
	Backoff    BackoffConfig
}

// resolveMaxRetries checks node "max_retries", then graph
// "default_max_retries", then the configured default.
func resolveMaxRetries(node *dot.Node, g *dot.Graph, configDefault int) int {
	if node.Attrs.Has("max_retries") {
		return node.Attrs.GetInt("max_retries")
	}
	if g.Attrs.Has("default_max_retries") {
		return g.Attrs.GetInt("default_max_retries")
	}
	if configDefault > 0 {
		return configDefault
	}
	return DefaultMaxRetries
}

// resolveStageTimeout checks node "timeout_ms", then graph
// "default_timeout_ms", then the config default. Zero means unlimited.
func resolveStageTimeout(node *dot.Node, g *dot.Graph, configDefault time.Duration) time.Duration {
	if ms := node.Attrs.GetInt("timeout_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if ms := g.Attrs.GetInt("default_timeout_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return configDefault
}

// sleepWithContext sleeps for d, returning early on cancellation.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
