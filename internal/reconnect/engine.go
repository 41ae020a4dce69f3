// Package reconnect implements the bounded-retry recovery state machine.
package reconnect

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/health"
	"github.com/debridmm/dmm-server/internal/status"
	"github.com/debridmm/dmm-server/internal/tokens"
)

// Reason describes why a reconnection was requested.
type Reason string

const (
	ReasonManual            Reason = "manual"
	ReasonAuthentication    Reason = "authentication"
	ReasonServiceDisruption Reason = "service_disruption"
	ReasonNetwork           Reason = "network"
)

// Valid reports whether the reason is a known value. An unknown reason is a
// caller error, not a captured failure.
func (r Reason) Valid() bool {
	switch r {
	case ReasonManual, ReasonAuthentication, ReasonServiceDisruption, ReasonNetwork:
		return true
	}
	return false
}

// Strategy names the recovery technique that settled the run.
type Strategy string

const (
	StrategyTokenRefresh Strategy = "token_refresh"
	StrategyRetry        Strategy = "retry"
	StrategyFullReauth   Strategy = "full_reauth"
)

// State is the engine's per-user run state.
type State int

const (
	StateIdle State = iota
	StateAttempting
	StateSucceeded
	StateFailed
)

// String returns the display name of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one reconnection invocation.
type Result struct {
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Strategy Strategy      `json:"strategy"`
	Error    string        `json:"error,omitempty"`
}

// Engine runs recovery strategies with exponential backoff and jitter.
// Reconnection is single-flight per user: concurrent callers attach to the
// in-flight run and share its result.
type Engine struct {
	prober     *health.Prober
	tokenStore *tokens.Store
	statusMgr  *status.Manager
	bus        *events.Bus
	logger     *zap.Logger

	baseDelay          time.Duration
	maxDelay           time.Duration
	defaultMaxAttempts int

	group singleflight.Group

	mu     sync.RWMutex
	states map[string]State

	// test seams
	sleepFn func(ctx context.Context, d time.Duration) error
	randFn  func() float64
}

// NewEngine builds a reconnection engine from the configured backoff policy.
func NewEngine(prober *health.Prober, tokenStore *tokens.Store, statusMgr *status.Manager, bus *events.Bus, cfg *config.ReconnectConfig, logger *zap.Logger) *Engine {
	baseDelay := config.InitialBackoffDelay
	maxDelay := config.MaxBackoffDelay
	maxAttempts := config.DefaultMaxReconnectAttempts
	if cfg != nil {
		if cfg.BaseDelay.Duration() > 0 {
			baseDelay = cfg.BaseDelay.Duration()
		}
		if cfg.MaxDelay.Duration() > 0 {
			maxDelay = cfg.MaxDelay.Duration()
		}
		if cfg.MaxAttempts > 0 {
			maxAttempts = cfg.MaxAttempts
		}
	}

	return &Engine{
		prober:             prober,
		tokenStore:         tokenStore,
		statusMgr:          statusMgr,
		bus:                bus,
		logger:             logger.Named("reconnect"),
		baseDelay:          baseDelay,
		maxDelay:           maxDelay,
		defaultMaxAttempts: maxAttempts,
		states:             make(map[string]State),
		sleepFn:            sleepCtx,
		randFn:             rand.Float64,
	}
}

// ApplyConfig swaps the backoff policy, typically on a config reload. The
// next delay computation picks up the new values.
func (e *Engine) ApplyConfig(cfg *config.ReconnectConfig) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.BaseDelay.Duration() > 0 {
		e.baseDelay = cfg.BaseDelay.Duration()
	}
	if cfg.MaxDelay.Duration() > 0 {
		e.maxDelay = cfg.MaxDelay.Duration()
	}
	if cfg.MaxAttempts > 0 {
		e.defaultMaxAttempts = cfg.MaxAttempts
	}
}

// StateFor returns the engine state for a user.
func (e *Engine) StateFor(userID string) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[userID]
}

func (e *Engine) setState(userID string, s State) {
	e.mu.Lock()
	e.states[userID] = s
	e.mu.Unlock()
}

// Reconnect runs the recovery state machine for a user. maxAttempts <= 0
// selects the configured default. Cancellation via ctx stops the run before
// the next delay or attempt and leaves the prior status untouched.
func (e *Engine) Reconnect(ctx context.Context, userID string, reason Reason, maxAttempts int) (*Result, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("invalid reconnection reason %q", reason)
	}
	if maxAttempts <= 0 {
		e.mu.RLock()
		maxAttempts = e.defaultMaxAttempts
		e.mu.RUnlock()
	}

	v, err, _ := e.group.Do(userID, func() (interface{}, error) {
		return e.run(ctx, userID, reason, maxAttempts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (e *Engine) run(ctx context.Context, userID string, reason Reason, maxAttempts int) (*Result, error) {
	start := time.Now()

	e.setState(userID, StateAttempting)
	e.statusMgr.SetReconnecting(userID, true)
	defer e.statusMgr.SetReconnecting(userID, false)

	e.bus.Publish(events.Event{
		Type:   events.ReconnectStarted,
		UserID: userID,
		Data:   map[string]interface{}{"reason": string(reason), "max_attempts": maxAttempts},
	})

	var lastErr string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.withJitter(e.BackoffDelay(attempt))
			if err := e.sleepFn(ctx, delay); err != nil {
				// Caller-initiated abort: leave state and status unchanged
				e.setState(userID, StateIdle)
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			e.setState(userID, StateIdle)
			return nil, err
		}

		strategy, ok, attemptErr := e.attemptOnce(ctx, userID, attempt, reason)
		if attemptErr != "" {
			lastErr = attemptErr
		}

		e.bus.Publish(events.Event{
			Type:   events.ReconnectAttempted,
			UserID: userID,
			Data: map[string]interface{}{
				"reason":   string(reason),
				"attempts": attempt,
				"duration": time.Since(start).Milliseconds(),
				"success":  ok,
			},
		})
		e.logger.Info("Reconnection attempt finished",
			zap.String("user", userID),
			zap.String("reason", string(reason)),
			zap.Int("attempt", attempt),
			zap.Bool("success", ok),
			zap.Duration("elapsed", time.Since(start)))

		if ok {
			e.setState(userID, StateSucceeded)
			// Sub-statuses first, flag second: the overall status moves from
			// reconnecting straight to connected in one transition.
			e.statusMgr.MarkConnected(userID)
			e.statusMgr.SetReconnecting(userID, false)

			result := &Result{
				Attempts: attempt,
				Duration: time.Since(start),
				Success:  true,
				Strategy: strategy,
			}
			e.bus.Publish(events.Event{
				Type:   events.ReconnectSucceeded,
				UserID: userID,
				Data:   map[string]interface{}{"attempts": attempt, "strategy": string(strategy)},
			})
			return result, nil
		}
	}

	e.setState(userID, StateFailed)
	if lastErr == "" {
		lastErr = "all reconnection strategies failed"
	}

	// Record the failure so aggregation counts it
	e.statusMgr.SetReconnecting(userID, false)
	e.statusMgr.Update(userID, func(st *status.ConnectionStatus) {
		st.Service.ConsecutiveFailures++
		if st.Service.State == status.ServiceAvailable {
			st.Service.State = status.ServiceUnavailable
		}
	})

	result := &Result{
		Attempts: maxAttempts,
		Duration: time.Since(start),
		Success:  false,
		Strategy: StrategyFullReauth,
		Error:    lastErr,
	}
	e.bus.Publish(events.Event{
		Type:   events.ReconnectFailed,
		UserID: userID,
		Data:   map[string]interface{}{"attempts": maxAttempts, "error": lastErr},
	})
	return result, nil
}

// attemptOnce tries the strategies selected for this attempt index in
// priority order. Strategy failures are captured, never raised.
func (e *Engine) attemptOnce(ctx context.Context, userID string, attempt int, reason Reason) (Strategy, bool, string) {
	var lastErr string

	if attempt == 1 || reason == ReasonAuthentication {
		if _, err := e.tokenStore.Refresh(ctx, userID); err == nil {
			return StrategyTokenRefresh, true, ""
		} else {
			lastErr = err.Error()
		}
	}

	switch {
	case attempt <= 3:
		if r := e.prober.RunCheck(ctx, userID, health.CheckAuth); r.Success {
			return StrategyRetry, true, ""
		} else if r.Error != "" {
			lastErr = r.Error
		}

	case attempt <= 5:
		if n := e.prober.RunCheck(ctx, userID, health.CheckNetwork); n.Success {
			if r := e.prober.RunCheck(ctx, userID, health.CheckAuth); r.Success {
				return StrategyRetry, true, ""
			} else if r.Error != "" {
				lastErr = r.Error
			}
		} else if n.Error != "" {
			lastErr = n.Error
		}

	default:
		if r := e.prober.RunCheck(ctx, userID, health.CheckAuth); r.Success {
			return StrategyRetry, true, ""
		} else if r.Error != "" {
			lastErr = r.Error
		}
	}

	return "", false, lastErr
}

// BackoffDelay returns the pre-jitter delay before the given 1-indexed
// attempt: zero for the first, then base * 2^(n-2) capped at maxDelay.
func (e *Engine) BackoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	e.mu.RLock()
	base, max := e.baseDelay, e.maxDelay
	e.mu.RUnlock()
	d := float64(base) * math.Pow(2, float64(attempt-2))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// withJitter adds up to BackoffJitterFraction of random jitter. The result
// is never below the pre-jitter value.
func (e *Engine) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(e.randFn() * config.BackoffJitterFraction * float64(d))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
