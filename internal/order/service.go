// Package order implements OrderService, the sole component that mutates a
// single order or calls the exchange for it (spec §4.1, component D).
package order

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
	"dcaengine/pkg/retry"
	"dcaengine/pkg/telemetry"
)

var defaultPrecisionRules = core.PrecisionRules{
	TickSize:    decimal.RequireFromString("0.00000001"),
	StepSize:    decimal.RequireFromString("0.00000001"),
	MinNotional: decimal.Zero,
}

// precisionErrorPattern matches exchange error text that invalidates the
// precision cache (spec §4.1).
var precisionErrorPattern = regexp.MustCompile(`(?i)precision|lot size|step size|tick size|quantity|notional|min_qty`)

// CancelResult is the outcome of CancelWithVerification.
type CancelResult struct {
	Outcome  core.CancelOutcome
	Verified bool
}

// Config is the subset of engine policy OrderService needs. It is fixed per
// Service at construction; PlaceMarketOrder also takes its slippage limit and
// action per call.
type Config struct {
	MaxAttempts            int
	BaseDelay              time.Duration
	MaxDelay               time.Duration
	VerificationDelay      time.Duration
	MaxVerificationAttempts int
	MaxSlippagePercent     decimal.Decimal
	SlippageAction         core.SlippageAction
	// RateLimitPerSecond caps outbound exchange calls per second (spec §5).
	// Zero falls back to a generous default rather than no limiting, so a
	// misconfigured zero value can't accidentally hammer the exchange.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

func DefaultOrderConfig() Config {
	return Config{
		MaxAttempts:             3,
		BaseDelay:               500 * time.Millisecond,
		MaxDelay:                10 * time.Second,
		VerificationDelay:       500 * time.Millisecond,
		MaxVerificationAttempts: 3,
		MaxSlippagePercent:      decimal.NewFromFloat(0.5),
		SlippageAction:          core.SlippageWarn,
		RateLimitPerSecond:      10,
		RateLimitBurst:          10,
	}
}

// Service implements the OrderService operations of spec §4.1. One Service
// is constructed per (user, exchange) ExchangeConnector.
type Service struct {
	exchange core.ExchangeConnector
	logger   core.ILogger
	orders   core.DCAOrderRepository
	cache    *PrecisionCache

	cfg     Config
	limiter *rate.Limiter

	tracer       trace.Tracer
	orderCounter metric.Int64Counter
	retryCounter metric.Int64Counter
	failCounter  metric.Int64Counter
}

func NewService(exchange core.ExchangeConnector, logger core.ILogger, orders core.DCAOrderRepository, cache *PrecisionCache, cfg Config) *Service {
	tracer := telemetry.GetTracer("order-service")
	meter := telemetry.GetMeter("order-service")

	orderCounter, _ := meter.Int64Counter("order_placements_total",
		metric.WithDescription("total orders placed"))
	retryCounter, _ := meter.Int64Counter("order_retries_total",
		metric.WithDescription("total order placement retries"))
	failCounter, _ := meter.Int64Counter("order_failures_total",
		metric.WithDescription("total order failures"))

	limitPerSec := cfg.RateLimitPerSecond
	if limitPerSec <= 0 {
		limitPerSec = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = int(limitPerSec)
		if burst < 1 {
			burst = 1
		}
	}

	return &Service{
		exchange:     exchange,
		logger:       logger.WithField("component", "order_service"),
		orders:       orders,
		limiter:      rate.NewLimiter(rate.Limit(limitPerSec), burst),
		cache:        cache,
		cfg:          cfg,
		tracer:       tracer,
		orderCounter: orderCounter,
		retryCounter: retryCounter,
		failCounter:  failCounter,
	}
}

// Submit places o's entry leg against the exchange, retrying transient
// failures with backoff and jitter, and marking o failed on a non-transient
// error or retry exhaustion (spec §4.1).
func (s *Service) Submit(ctx context.Context, o *core.DCAOrder) error {
	ctx, span := s.tracer.Start(ctx, "Submit", trace.WithAttributes(
		attribute.String("symbol", o.Symbol),
		attribute.String("side", string(o.Side)),
	))
	defer span.End()

	amountType := core.AmountBase
	policy := retry.RetryPolicy{
		MaxAttempts:    s.cfg.MaxAttempts,
		InitialBackoff: s.cfg.BaseDelay,
		MaxBackoff:     s.cfg.MaxDelay,
	}

	attempt := 0
	var env *core.ExchangeEnvelope
	err := retry.Do(ctx, policy, isTransient, func() error {
		s.orderCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", o.Symbol),
			attribute.String("side", string(o.Side)),
		))

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		var placeErr error
		env, placeErr = s.exchange.PlaceOrder(ctx, o.Symbol, o.OrderType, o.Side, o.Quantity, priceOrNil(o.Price), amountType)
		if placeErr == nil {
			return nil
		}

		s.logger.Warn("order placement failed",
			"symbol", o.Symbol, "side", o.Side, "attempt", attempt+1, "error", placeErr.Error())
		s.failCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", o.Symbol),
			attribute.String("error", placeErr.Error()),
		))

		if precisionErrorPattern.MatchString(placeErr.Error()) {
			s.cache.Invalidate()
		}
		if attempt > 0 {
			s.retryCounter.Add(ctx, 1)
		}
		attempt++
		return placeErr
	})

	if err != nil {
		o.Status = core.DCAOrderFailed
		return fmt.Errorf("order submit failed after %d attempts: %w", attempt, err)
	}

	o.ExchangeOrderID = env.ID
	now := time.Now()
	o.SubmittedAt = &now
	if o.Status == core.DCAOrderPending || o.Status == core.DCAOrderTriggerPending {
		o.Status = core.DCAOrderOpen
	}
	return nil
}

// isTransient classifies network/timeout/rate-limit failures as retriable;
// everything else (insufficient funds, invalid symbol, margin) is terminal
// (spec §7).
func isTransient(err error) bool {
	if apperrors.IsTransient(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	fatalMarkers := []string{"insufficient funds", "margin", "invalid_symbol", "invalid symbol"}
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	transientMarkers := []string{"timeout", "connection", "temporarily", "rate limit", "econnreset", "unavailable"}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func priceOrNil(p decimal.Decimal) *decimal.Decimal {
	if p.IsZero() {
		return nil
	}
	return &p
}

// CancelWithVerification cancels o and polls status with progressive delay
// until a terminal outcome is confirmed or verification attempts run out
// (spec §4.1).
func (s *Service) CancelWithVerification(ctx context.Context, o *core.DCAOrder) (CancelResult, error) {
	cancelErr := s.exchange.CancelOrder(ctx, o.ExchangeOrderID, o.Symbol)

	notFoundOnCancel := cancelErr != nil && strings.Contains(strings.ToLower(cancelErr.Error()), "not found")
	if cancelErr != nil && !notFoundOnCancel {
		return CancelResult{}, fmt.Errorf("cancel failed: %w", cancelErr)
	}

	for attempt := 0; attempt < s.cfg.MaxVerificationAttempts; attempt++ {
		env, err := s.exchange.GetOrderStatus(ctx, o.ExchangeOrderID, o.Symbol)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "not found") {
				if notFoundOnCancel {
					return CancelResult{Outcome: core.CancelNotFound, Verified: true}, nil
				}
				return CancelResult{Outcome: core.CancelNotFound, Verified: true}, nil
			}
		} else {
			switch strings.ToLower(env.Status) {
			case "canceled", "cancelled", "expired", "rejected":
				return CancelResult{Outcome: core.CancelAlreadyCancelled, Verified: true}, nil
			case "closed", "filled":
				return CancelResult{Outcome: core.CancelAlreadyFilled, Verified: true}, nil
			}
		}

		delay := s.cfg.VerificationDelay * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return CancelResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if cancelErr == nil {
		return CancelResult{Outcome: core.CancelSuccess, Verified: false}, nil
	}
	return CancelResult{Outcome: core.CancelVerificationFailed, Verified: false}, nil
}

// CheckStatus polls the exchange and updates o's fill state in place,
// mapping exchange-native status vocabulary to the internal state machine
// (spec §4.1).
func (s *Service) CheckStatus(ctx context.Context, o *core.DCAOrder, feeRate decimal.Decimal) error {
	env, err := s.exchange.GetOrderStatus(ctx, o.ExchangeOrderID, o.Symbol)
	if err != nil {
		return fmt.Errorf("check status: %w", err)
	}

	newStatus := mapExchangeStatus(env.Status, env.Filled, o.Quantity)
	filledChanged := !env.Filled.Equal(o.FilledQuantity)

	if filledChanged && env.Filled.GreaterThan(decimal.Zero) {
		o.FilledQuantity = env.Filled
		o.AvgFillPrice = env.Average
		o.Fee = extractFee(env, o.FilledQuantity, o.AvgFillPrice, feeRate)
		o.FeeCurrency = env.FeeCurrency
	}

	if newStatus == core.DCAOrderFilled && o.FilledAt == nil {
		now := time.Now()
		o.FilledAt = &now
	}
	o.Status = newStatus
	return nil
}

func mapExchangeStatus(status string, filled, quantity decimal.Decimal) core.DCAOrderStatus {
	switch strings.ToLower(status) {
	case "new":
		return core.DCAOrderOpen
	case "closed", "filled":
		return core.DCAOrderFilled
	case "canceled", "cancelled":
		return core.DCAOrderCancelled
	case "open":
		if filled.GreaterThan(decimal.Zero) && filled.LessThan(quantity) {
			return core.DCAOrderPartiallyFilled
		}
		return core.DCAOrderOpen
	default:
		return core.DCAOrderOpen
	}
}

// extractFee prefers the raw per-currency cumulative fee some exchanges
// stash under info.cumFeeDetail over the (sometimes misreported) unified
// fee field, falling back to an estimate when the exchange omits both
// (spec §4.1).
func extractFee(env *core.ExchangeEnvelope, filled, avgPrice, feeRate decimal.Decimal) decimal.Decimal {
	if env.Info != nil {
		if detail, ok := env.Info["cumFeeDetail"]; ok {
			if fee := sumFeeDetail(detail); fee.GreaterThan(decimal.Zero) {
				return fee
			}
		}
	}
	if env.Fee.GreaterThan(decimal.Zero) {
		return env.Fee
	}
	return filled.Mul(avgPrice).Mul(feeRate)
}

func sumFeeDetail(detail any) decimal.Decimal {
	total := decimal.Zero
	m, ok := detail.(map[string]decimal.Decimal)
	if !ok {
		return total
	}
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}

// PlaceTPOrder places the opposite-side limit order for a filled leg,
// computed from the actual fill price when adjustment is enabled, otherwise
// the pre-planned tp_price, rounded to the symbol's tick size (spec §4.1).
func (s *Service) PlaceTPOrder(ctx context.Context, o *core.DCAOrder, adjustForFillPrice bool, tpPercent decimal.Decimal) error {
	if o.Status != core.DCAOrderFilled || o.TPOrderID != "" {
		return fmt.Errorf("place tp order: leg %d not eligible (status=%s, tp_order_id=%q)", o.LegIndex, o.Status, o.TPOrderID)
	}

	rules, err := s.cache.Get(ctx, s.exchange, o.Symbol)
	if err != nil {
		rules = defaultPrecisionRules
	}

	tpPrice := o.TPPrice
	if adjustForFillPrice {
		tpPrice = o.AvgFillPrice.Mul(decimal.NewFromInt(1).Add(tpPercent.Div(decimal.NewFromInt(100))))
	}
	tpPrice = roundToTick(tpPrice, rules.TickSize)

	env, err := s.exchange.PlaceOrder(ctx, o.Symbol, core.OrderTypeLimit, o.Side.Opposite(), o.FilledQuantity, &tpPrice, core.AmountBase)
	if err != nil {
		if precisionErrorPattern.MatchString(err.Error()) {
			s.cache.Invalidate()
		}
		return fmt.Errorf("place tp order: %w", err)
	}

	o.TPOrderID = env.ID
	o.TPPrice = tpPrice
	return nil
}

// PlaceTPForPartialFill is identical to PlaceTPOrder except the quantity is
// drawn from the order's partial fill state (spec §4.1).
func (s *Service) PlaceTPForPartialFill(ctx context.Context, o *core.DCAOrder, adjustForFillPrice bool, tpPercent decimal.Decimal) error {
	if o.Status != core.DCAOrderPartiallyFilled || o.FilledQuantity.IsZero() {
		return fmt.Errorf("place tp for partial fill: leg %d not partially filled", o.LegIndex)
	}

	rules, err := s.cache.Get(ctx, s.exchange, o.Symbol)
	if err != nil {
		rules = defaultPrecisionRules
	}

	tpPrice := o.TPPrice
	if adjustForFillPrice {
		tpPrice = o.AvgFillPrice.Mul(decimal.NewFromInt(1).Add(tpPercent.Div(decimal.NewFromInt(100))))
	}
	tpPrice = roundToTick(tpPrice, rules.TickSize)

	env, err := s.exchange.PlaceOrder(ctx, o.Symbol, core.OrderTypeLimit, o.Side.Opposite(), o.FilledQuantity, &tpPrice, core.AmountBase)
	if err != nil {
		return fmt.Errorf("place tp for partial fill: %w", err)
	}

	o.TPOrderID = env.ID
	o.TPPrice = tpPrice
	return nil
}

// RetryStaleTP re-places a TP that's been open past the staleness threshold,
// either repositioning it at the current price+TP% or market-closing the
// held quantity, per configuration (spec §4.1, §9 supplemented feature).
func (s *Service) RetryStaleTP(ctx context.Context, o *core.DCAOrder, action core.StaleTPAction, tpPercent, expectedPrice, maxSlippagePercent decimal.Decimal, slippageAction core.SlippageAction) error {
	if o.TPOrderID == "" {
		return fmt.Errorf("retry stale tp: leg %d has no open tp order", o.LegIndex)
	}

	if cancelErr := s.exchange.CancelOrder(ctx, o.TPOrderID, o.Symbol); cancelErr != nil &&
		!strings.Contains(strings.ToLower(cancelErr.Error()), "not found") {
		return fmt.Errorf("retry stale tp: cancel existing tp: %w", cancelErr)
	}
	o.TPOrderID = ""

	if action == core.StaleTPMarketClose {
		_, err := s.PlaceMarketOrder(ctx, o.Symbol, o.Side.Opposite(), o.FilledQuantity, expectedPrice, maxSlippagePercent, slippageAction)
		return err
	}

	price, err := s.exchange.GetCurrentPrice(ctx, o.Symbol)
	if err != nil {
		return fmt.Errorf("retry stale tp: fetch current price: %w", err)
	}
	o.TPPrice = price.Mul(decimal.NewFromInt(1).Add(tpPercent.Div(decimal.NewFromInt(100))))
	return s.PlaceTPOrder(ctx, o, false, tpPercent)
}

// PlaceMarketOrder executes a market order with optional pre/post slippage
// checks against expectedPrice. A pre-check breach under slippage_action
// reject aborts before placing the order. A post-check breach under reject
// returns an error even though the trade has already executed, so the caller
// must react; under warn either breach is only logged (spec §7).
func (s *Service) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, quantity, expectedPrice, maxSlippagePercent decimal.Decimal, slippageAction core.SlippageAction) (*core.ExchangeEnvelope, error) {
	if !expectedPrice.IsZero() && !maxSlippagePercent.IsZero() {
		markPrice, err := s.exchange.GetCurrentPrice(ctx, symbol)
		if err == nil {
			preSlippage := slippagePercent(expectedPrice, markPrice)
			if preSlippage.GreaterThan(maxSlippagePercent) {
				s.logger.Warn("pre-execution slippage breach", "symbol", symbol, "slippage_pct", preSlippage.String())
				if slippageAction == core.SlippageReject {
					return nil, &apperrors.SlippageExceededError{Expected: expectedPrice, Observed: markPrice, MaxPct: maxSlippagePercent}
				}
			}
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	env, err := s.exchange.PlaceOrder(ctx, symbol, core.OrderTypeMarket, side, quantity, nil, core.AmountBase)
	if err != nil {
		return nil, fmt.Errorf("place market order: %w", err)
	}

	if !expectedPrice.IsZero() && !maxSlippagePercent.IsZero() && env.Average.GreaterThan(decimal.Zero) {
		postSlippage := slippagePercent(expectedPrice, env.Average)
		if postSlippage.GreaterThan(maxSlippagePercent) {
			if slippageAction == core.SlippageReject {
				return env, &apperrors.SlippageExceededError{Expected: expectedPrice, Observed: env.Average, MaxPct: maxSlippagePercent}
			}
			s.logger.Warn("post-execution slippage breach", "symbol", symbol, "slippage_pct", postSlippage.String())
		}
	}

	return env, nil
}

func slippagePercent(expected, actual decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		return decimal.Zero
	}
	return actual.Sub(expected).Abs().Div(expected).Mul(decimal.NewFromInt(100))
}

// CancelAllOpenOrdersForGroup cancels every entry order in a cancellable
// state and every TP order attached to a filled leg (spec §4.1).
func (s *Service) CancelAllOpenOrdersForGroup(ctx context.Context, orders []*core.DCAOrder) error {
	var firstErr error
	for _, o := range orders {
		switch o.Status {
		case core.DCAOrderOpen, core.DCAOrderPartiallyFilled, core.DCAOrderTriggerPending:
			if _, err := s.CancelWithVerification(ctx, o); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if o.Status == core.DCAOrderFilled && o.TPOrderID != "" {
			if err := s.exchange.CancelOrder(ctx, o.TPOrderID, o.Symbol); err != nil {
				if firstErr == nil && !strings.Contains(strings.ToLower(err.Error()), "not found") {
					firstErr = err
				}
				continue
			}
			o.TPOrderID = ""
		}
	}
	return firstErr
}

// CloseMarketPosition picks the opposite side from groupSide and delegates
// to PlaceMarketOrder (spec §4.1).
func (s *Service) CloseMarketPosition(ctx context.Context, symbol string, groupSide core.PositionSide, quantity, expectedPrice, maxSlippagePercent decimal.Decimal, slippageAction core.SlippageAction) (*core.ExchangeEnvelope, error) {
	closeSide := core.OrderSideSell
	if groupSide == core.SideShort {
		closeSide = core.OrderSideBuy
	}
	return s.PlaceMarketOrder(ctx, symbol, closeSide, quantity, expectedPrice, maxSlippagePercent, slippageAction)
}

// ExecuteForceClose validates ownership and current status before
// transitioning g to closing; the actual market close happens via the fill
// monitor or exit-signal handler (spec §4.1).
func (s *Service) ExecuteForceClose(ctx context.Context, g *core.PositionGroup, requestingUserID uuid.UUID) error {
	if requestingUserID != g.UserID {
		return fmt.Errorf("execute force close: user mismatch")
	}
	if g.Status == core.PositionClosed {
		return fmt.Errorf("execute force close: group %s already closed", g.ID)
	}
	g.Status = core.PositionClosing
	return nil
}

// roundToTick rounds price down to the nearest multiple of tickSize,
// matching exchange lot-size semantics.
func roundToTick(price, tickSize decimal.Decimal) decimal.Decimal {
	if tickSize.IsZero() {
		return price
	}
	return price.Div(tickSize).Floor().Mul(tickSize)
}
