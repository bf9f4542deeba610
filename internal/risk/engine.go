// Package risk implements RiskEngine: per-user policy enforcement and
// cross-position offset execution (spec §4.4, component G).
package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"dcaengine/internal/core"
	"dcaengine/internal/order"
	"dcaengine/internal/position"
	apperrors "dcaengine/pkg/errors"
	"dcaengine/pkg/telemetry"
)

var minStepSize = decimal.RequireFromString("0.00000001")

// UserContext bundles the per-user collaborators one evaluation cycle needs:
// its own exchange connector plus the order/position services built on top
// of it (spec §5: one exchange connector per user per cycle).
type UserContext struct {
	UserID       uuid.UUID
	Config       core.RiskEngineConfig
	ExchangeName string
	Exchange     core.ExchangeConnector
	OrderSvc     *order.Service
	PosMgr       *position.Manager
}

// Engine is the per-instance risk policy evaluator.
type Engine struct {
	groups      core.PositionGroupRepository
	riskActions core.RiskActionRepository
	broadcaster core.Broadcaster
	logger      core.ILogger

	mu           sync.Mutex
	forceStopped map[uuid.UUID]bool
	breakers     map[string]*CircuitBreaker

	tracer        trace.Tracer
	offsetCounter metric.Int64Counter
}

func NewEngine(groups core.PositionGroupRepository, riskActions core.RiskActionRepository, broadcaster core.Broadcaster, logger core.ILogger) *Engine {
	tracer := telemetry.GetTracer("risk-engine")
	meter := telemetry.GetMeter("risk-engine")
	offsetCounter, _ := meter.Int64Counter("risk_offset_closes_total",
		metric.WithDescription("Number of loser/winner offset close actions executed"))

	return &Engine{
		groups:        groups,
		riskActions:   riskActions,
		broadcaster:   broadcaster,
		logger:        logger.WithField("component", "risk_engine"),
		forceStopped:  make(map[uuid.UUID]bool),
		breakers:      make(map[string]*CircuitBreaker),
		tracer:        tracer,
		offsetCounter: offsetCounter,
	}
}

// breakerFor returns the per-user daily-loss circuit breaker (spec §4.4
// "engine_paused_by_loss_limit"), keyed by (user, UTC calendar day) so the
// breaker starts fresh at the next UTC day boundary without needing an
// explicit midnight job.
func (e *Engine) breakerFor(userID uuid.UUID, cfg core.RiskEngineConfig) *CircuitBreaker {
	key := userID.String() + ":" + time.Now().UTC().Format("2006-01-02")

	e.mu.Lock()
	defer e.mu.Unlock()
	cb, ok := e.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(userID.String(), CircuitConfig{MaxDrawdownAmount: cfg.MaxRealizedLossUSD})
		e.breakers[key] = cb
	}
	return cb
}

// SetForceStopped implements the manual admin pause/resume surface (spec §6).
func (e *Engine) SetForceStopped(userID uuid.UUID, stopped bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceStopped[userID] = stopped
}

func (e *Engine) IsForceStopped(userID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.forceStopped[userID]
}

// IsPausedByLossLimit reports the automatic loss-limit pause flag, backed by
// the user's CircuitBreaker for today's UTC calendar day (spec §4.4, §9).
func (e *Engine) IsPausedByLossLimit(userID uuid.UUID, cfg core.RiskEngineConfig) bool {
	return e.breakerFor(userID, cfg).IsTripped()
}

// ClearLossPause lifts an automatic pause, used by the admin surface after
// an operator reviews the day's losses.
func (e *Engine) ClearLossPause(userID uuid.UUID, cfg core.RiskEngineConfig) {
	e.breakerFor(userID, cfg).Reset()
}

// PreTradeCheck gates queue promotion (spec §4.4 "Pre-trade risk check").
// It does not re-check the global position count; that is delegated to the
// external execution-pool gate.
func (e *Engine) PreTradeCheck(ctx context.Context, uc UserContext, symbol, timeframe string, allocatedCapital decimal.Decimal) (bool, string, error) {
	if e.IsForceStopped(uc.UserID) {
		return false, apperrors.ErrEngineForceStopped.Error(), nil
	}
	if e.IsPausedByLossLimit(uc.UserID, uc.Config) {
		return false, apperrors.ErrEnginePausedByLoss.Error(), nil
	}

	groups, err := e.groups.GetActivePositionGroupsForUser(ctx, uc.UserID)
	if err != nil {
		return false, "", fmt.Errorf("risk engine: pre-trade check: %w", err)
	}

	maxPositions := uc.Config.MaxPositionsPerSymbolTimeframe
	if maxPositions <= 0 {
		maxPositions = 2
	}
	count := 0
	exposure := decimal.Zero
	for _, g := range groups {
		exposure = exposure.Add(g.TotalInvestedUSD)
		if g.Symbol == symbol && g.Timeframe == timeframe && g.Exchange == uc.ExchangeName {
			count++
		}
	}
	if count >= maxPositions {
		return false, apperrors.ErrMaxPositionsExceeded.Error(), nil
	}
	if !uc.Config.MaxTotalExposureUSD.IsZero() && exposure.Add(allocatedCapital).GreaterThan(uc.Config.MaxTotalExposureUSD) {
		return false, apperrors.ErrMaxExposureExceeded.Error(), nil
	}

	dailyPnL, err := e.riskActions.GetDailyRealizedPnL(ctx, uc.UserID)
	if err != nil {
		return false, "", fmt.Errorf("risk engine: pre-trade check: %w", err)
	}
	if dailyPnL.IsNegative() && dailyPnL.Abs().GreaterThanOrEqual(uc.Config.MaxRealizedLossUSD) {
		e.breakerFor(uc.UserID, uc.Config).RecordTrade(dailyPnL)
		return false, "daily realized loss limit breached", nil
	}
	return true, "", nil
}

// MaybeStartTimer arms group.RiskTimerStart/RiskTimerExpires once the
// configured start condition is satisfied. A timer, once started, is never
// shortened by this method; it only ever moves from unarmed to armed (spec
// §4.4 "Timer discipline").
func (e *Engine) MaybeStartTimer(cfg core.RiskEngineConfig, group *core.PositionGroup) bool {
	if group.RiskTimerStart != nil {
		return false
	}

	satisfied := false
	switch cfg.TimerStartCondition {
	case core.TimerAfterNPyramids:
		satisfied = group.PyramidCount >= cfg.RequiredPyramidsForTimer
	case core.TimerAfterAllDCASubmitted:
		satisfied = allOrdersSubmitted(group)
	case core.TimerAfterAllDCAFilled:
		satisfied = group.TotalDCALegs > 0 && group.FilledDCALegs >= group.TotalDCALegs
	}
	if !satisfied {
		return false
	}

	now := time.Now()
	expires := now.Add(time.Duration(cfg.PostFullWaitMinutes) * time.Minute)
	group.RiskTimerStart = &now
	group.RiskTimerExpires = &expires
	return true
}

func allOrdersSubmitted(group *core.PositionGroup) bool {
	if len(group.Orders) == 0 {
		return false
	}
	for _, o := range group.Orders {
		if o.SubmittedAt == nil {
			return false
		}
	}
	return true
}

// EvaluateUser runs one offset-execution pass for a single user: select an
// eligible loser, select winners, plan partial closes, and execute all
// closes concurrently (spec §4.4 "Loser/winner selection", "Execution").
// Per spec §5, a failure here must never propagate into another user's
// evaluation; callers are expected to isolate this per user.
func (e *Engine) EvaluateUser(ctx context.Context, uc UserContext) error {
	if e.IsForceStopped(uc.UserID) {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "EvaluateUser")
	defer span.End()

	groups, err := e.groups.GetActivePositionGroupsForUser(ctx, uc.UserID)
	if err != nil {
		return fmt.Errorf("risk engine: evaluate user: %w", err)
	}

	loser := selectLoser(groups, uc.Config)
	if loser == nil {
		return nil
	}
	winners := selectWinners(groups, uc.Config)
	if len(winners) == 0 {
		return nil
	}

	plans, err := e.planWinnerCloses(ctx, uc, winners, loser.UnrealizedPnLUSD.Abs())
	if err != nil {
		return fmt.Errorf("risk engine: plan winner closes: %w", err)
	}
	if len(plans) == 0 {
		return nil
	}

	loser.RiskSkipOnce = false

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return uc.PosMgr.HandleExitSignal(gctx, loser) })

	details := make([]core.WinnerDetail, len(plans))
	for i, p := range plans {
		i, p := i, p
		g.Go(func() error {
			d, err := e.closeWinnerPartial(gctx, uc, p)
			if err != nil {
				return err
			}
			details[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Error("offset execution failed", "user_id", uc.UserID, "loser_group_id", loser.ID, "error", err.Error())
		return fmt.Errorf("risk engine: offset execution: %w", err)
	}

	for _, p := range plans {
		if err := e.groups.Update(ctx, p.group); err != nil {
			e.logger.Error("failed to persist winner after offset close", "group_id", p.group.ID, "error", err.Error())
		}
	}

	action := &core.RiskAction{
		ID:           uuid.New(),
		Timestamp:    time.Now(),
		ActionType:   core.ActionRiskOffsetClose,
		LoserGroupID: loser.ID,
		LoserSymbol:  loser.Symbol,
		LoserPnLUSD:  loser.UnrealizedPnLUSD,
		Winners:      details,
		Notes:        fmt.Sprintf("offset close of %s group %s against %d winner(s)", loser.Symbol, loser.ID, len(details)),
	}
	if err := e.riskActions.Create(ctx, action); err != nil {
		e.logger.Error("failed to record risk action", "error", err.Error())
	}
	e.broadcaster.SendRiskEvent(ctx, action)
	e.offsetCounter.Add(ctx, 1)
	return nil
}

// selectLoser returns the eligible loser with the largest absolute
// unrealized loss, or nil if none qualify (spec §4.4).
func selectLoser(groups []*core.PositionGroup, cfg core.RiskEngineConfig) *core.PositionGroup {
	now := time.Now()
	var loser *core.PositionGroup
	for _, g := range groups {
		if g.RiskBlocked || g.RiskSkipOnce {
			continue
		}
		if g.RiskTimerExpires == nil || now.Before(*g.RiskTimerExpires) {
			continue
		}
		if g.PyramidCount < cfg.RequiredPyramidsForTimer {
			continue
		}
		if g.UnrealizedPnLPct.GreaterThan(cfg.LossThresholdPercent) {
			continue
		}
		if loser == nil || g.UnrealizedPnLUSD.LessThan(loser.UnrealizedPnLUSD) {
			loser = g
		}
	}
	return loser
}

// selectWinners returns profitable positions sorted descending by PnL,
// capped at MaxWinnersToCombine.
func selectWinners(groups []*core.PositionGroup, cfg core.RiskEngineConfig) []*core.PositionGroup {
	var winners []*core.PositionGroup
	for _, g := range groups {
		if g.UnrealizedPnLUSD.GreaterThan(decimal.Zero) {
			winners = append(winners, g)
		}
	}
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].UnrealizedPnLUSD.GreaterThan(winners[j].UnrealizedPnLUSD)
	})
	if cfg.MaxWinnersToCombine > 0 && len(winners) > cfg.MaxWinnersToCombine {
		winners = winners[:cfg.MaxWinnersToCombine]
	}
	return winners
}

// winnerPlan is one winner's computed partial-close quantity, fixed before
// execution so the concurrent close tasks never recompute against a moving
// target (spec §4.4 "Partial-close quantity calculation").
type winnerPlan struct {
	group    *core.PositionGroup
	quantity decimal.Decimal
	price    decimal.Decimal
}

// planWinnerCloses walks winners in PnL order, accumulating enough partial
// closes to satisfy requiredUSD, skipping any winner whose close would be
// uneconomical or would fully liquidate it.
func (e *Engine) planWinnerCloses(ctx context.Context, uc UserContext, winners []*core.PositionGroup, requiredUSD decimal.Decimal) ([]winnerPlan, error) {
	rules, err := uc.Exchange.GetPrecisionRules(ctx)
	if err != nil {
		rules = map[string]core.PrecisionRules{}
	}

	var plans []winnerPlan
	remaining := requiredUSD

	for _, w := range winners {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}

		price, err := uc.Exchange.GetCurrentPrice(ctx, w.Symbol)
		if err != nil {
			e.logger.Warn("skipping winner: failed to fetch price", "group_id", w.ID, "error", err.Error())
			continue
		}

		profitPerUnit := price.Sub(w.WeightedAvgEntry)
		if w.Side == core.SideShort {
			profitPerUnit = w.WeightedAvgEntry.Sub(price)
		}
		if profitPerUnit.LessThanOrEqual(decimal.Zero) {
			continue
		}

		qty := remaining.Div(profitPerUnit)
		step := rules[w.Symbol].StepSize
		if step.IsZero() {
			step = minStepSize
		}
		qty = roundDownToStep(qty, step)

		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if qty.Mul(price).LessThan(rules[w.Symbol].MinNotional) {
			continue
		}
		if qty.GreaterThanOrEqual(w.TotalFilledQuantity) {
			continue
		}

		plans = append(plans, winnerPlan{group: w, quantity: qty, price: price})
		remaining = remaining.Sub(qty.Mul(profitPerUnit))
	}

	return plans, nil
}

// closeWinnerPartial executes one winner's partial close and updates its
// in-memory aggregate fields proportionally. The caller persists the group
// once every concurrent close in the batch has completed.
func (e *Engine) closeWinnerPartial(ctx context.Context, uc UserContext, p winnerPlan) (core.WinnerDetail, error) {
	closeSide := p.group.Side.ToOrderSide().Opposite()

	env, err := uc.OrderSvc.PlaceMarketOrder(ctx, p.group.Symbol, closeSide, p.quantity, p.price, decimal.NewFromInt(1), core.SlippageWarn)
	if err != nil {
		return core.WinnerDetail{}, fmt.Errorf("close winner %s: %w", p.group.ID, err)
	}

	fillPrice := env.Average
	if fillPrice.IsZero() {
		fillPrice = p.price
	}

	proceeds := p.quantity.Mul(fillPrice)
	costBasis := p.quantity.Mul(p.group.WeightedAvgEntry)
	pnl := proceeds.Sub(costBasis)
	if p.group.Side == core.SideShort {
		pnl = pnl.Neg()
	}

	proportion := decimal.Zero
	if !p.group.TotalFilledQuantity.IsZero() {
		proportion = p.quantity.Div(p.group.TotalFilledQuantity)
	}
	investedReduction := p.group.TotalInvestedUSD.Mul(proportion)

	p.group.TotalFilledQuantity = p.group.TotalFilledQuantity.Sub(p.quantity)
	p.group.TotalInvestedUSD = p.group.TotalInvestedUSD.Sub(investedReduction)
	p.group.RealizedPnLUSD = p.group.RealizedPnLUSD.Add(pnl)

	return core.WinnerDetail{GroupID: p.group.ID, Symbol: p.group.Symbol, PnLUSD: pnl, QuantityClosed: p.quantity}, nil
}

func roundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// SyncWithExchange reconciles each active group's unrealized PnL against a
// fresh exchange snapshot, emitting a correction via the broadcaster when
// the local mark has diverged beyond driftThresholdPercent (spec §4.4
// "Sync-with-exchange").
func (e *Engine) SyncWithExchange(ctx context.Context, uc UserContext, driftThresholdPercent decimal.Decimal) error {
	groups, err := e.groups.GetActivePositionGroupsForUser(ctx, uc.UserID)
	if err != nil {
		return fmt.Errorf("risk engine: sync with exchange: %w", err)
	}

	for _, g := range groups {
		price, err := uc.Exchange.GetCurrentPrice(ctx, g.Symbol)
		if err != nil {
			e.logger.Warn("sync with exchange: failed to fetch price", "group_id", g.ID, "error", err.Error())
			continue
		}
		if g.TotalFilledQuantity.IsZero() {
			continue
		}

		freshPnL := price.Sub(g.WeightedAvgEntry).Mul(g.TotalFilledQuantity)
		if g.Side == core.SideShort {
			freshPnL = g.WeightedAvgEntry.Sub(price).Mul(g.TotalFilledQuantity)
		}

		drift := freshPnL.Sub(g.UnrealizedPnLUSD).Abs()
		base := g.UnrealizedPnLUSD.Abs()
		if base.IsZero() {
			base = decimal.NewFromInt(1)
		}
		driftPercent := drift.Div(base).Mul(decimal.NewFromInt(100))

		if driftPercent.GreaterThan(driftThresholdPercent) {
			g.UnrealizedPnLUSD = freshPnL
			if !g.TotalInvestedUSD.IsZero() {
				g.UnrealizedPnLPct = freshPnL.Div(g.TotalInvestedUSD).Mul(decimal.NewFromInt(100))
			}
			if err := e.groups.Update(ctx, g); err != nil {
				e.logger.Error("sync with exchange: failed to persist correction", "group_id", g.ID, "error", err.Error())
				continue
			}
			e.broadcaster.SendRiskEvent(ctx, &core.RiskAction{
				ID:           uuid.New(),
				Timestamp:    time.Now(),
				ActionType:   core.ActionPnLCorrection,
				LoserGroupID: g.ID,
				LoserSymbol:  g.Symbol,
				LoserPnLUSD:  freshPnL,
				Notes:        "unrealized pnl corrected by sync-with-exchange",
			})
		}
	}

	return nil
}
