package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dcaengine/pkg/telemetry"
)

// CircuitState is whether the daily-loss breaker is open (engine paused) or
// closed (engine active).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig is the breaker's trip policy, derived from a user's
// core.RiskEngineConfig.MaxRealizedLossUSD (spec §4.4).
type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDrawdownAmount    decimal.Decimal
	CooldownPeriod       time.Duration
}

// CircuitBreaker is the per-user mechanism behind engine_paused_by_loss_limit
// (spec §4.4, §9): once a user's realized PnL for the day breaches
// MaxRealizedLossUSD, the breaker trips and Engine.IsPausedByLossLimit
// reports true for that user. The engine keeps one breaker per user per UTC
// day and sets no CooldownPeriod, so the pause lasts until the next UTC day
// or until Engine.ClearLossPause calls Reset.
type CircuitBreaker struct {
	mu                sync.RWMutex
	userLabel         string
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	totalPnL          decimal.Decimal
	lastTripped       time.Time
}

func NewCircuitBreaker(userLabel string, config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		userLabel: userLabel,
		state:     CircuitClosed,
		config:    config,
	}
}

// RecordTrade feeds a realized PnL amount into the breaker. Engine.PreTradeCheck
// calls it with the user's daily realized PnL once that breaches the loss limit.
func (cb *CircuitBreaker) RecordTrade(pnl decimal.Decimal) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}

	cb.totalPnL = cb.totalPnL.Add(pnl)

	cb.checkThresholds()
}

func (cb *CircuitBreaker) checkThresholds() {
	if cb.state == CircuitOpen {
		return
	}

	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.trip()
		return
	}

	if !cb.config.MaxDrawdownAmount.IsZero() && cb.totalPnL.LessThan(cb.config.MaxDrawdownAmount.Neg()) {
		cb.trip()
		return
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.lastTripped = time.Now()
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.userLabel, true)
	telemetry.GetGlobalMetrics().SetRiskTriggered(cb.userLabel, true)
}

// IsTripped reports the current state, auto-resetting if a cooldown is
// configured and has elapsed.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.state = CircuitClosed
			cb.consecutiveLosses = 0
			cb.totalPnL = decimal.Zero
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.userLabel, false)
			telemetry.GetGlobalMetrics().SetRiskTriggered(cb.userLabel, false)
			return false
		}
		return true
	}
	return false
}

// Reset clears the breaker, used after an operator manually lifts a pause.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.totalPnL = decimal.Zero

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.userLabel, false)
	telemetry.GetGlobalMetrics().SetRiskTriggered(cb.userLabel, false)
}

// Open manually trips the breaker, e.g. from an admin force-stop call.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip()
}

// CircuitBreakerStatus is a point-in-time snapshot for status reporting.
type CircuitBreakerStatus struct {
	IsOpen            bool
	ConsecutiveLosses int
	TotalPnL          decimal.Decimal
	OpenedAt          time.Time
}

func (cb *CircuitBreaker) GetStatus() CircuitBreakerStatus {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStatus{
		IsOpen:            cb.state == CircuitOpen,
		ConsecutiveLosses: cb.consecutiveLosses,
		TotalPnL:          cb.totalPnL,
		OpenedAt:          cb.lastTripped,
	}
}
