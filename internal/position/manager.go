// Package position implements PositionManager, which creates position
// groups and pyramids from signals, recomputes group statistics from fills,
// drives TP-mode-specific exit logic, and processes exit signals (spec
// §4.2, component E).
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/grid"
	"dcaengine/internal/order"
	apperrors "dcaengine/pkg/errors"
)

// Manager implements the PositionManager operations of spec §4.2. It is
// constructed per (user, exchange) alongside an order.Service sharing the
// same ExchangeConnector.
type Manager struct {
	exchangeName string
	exchange     core.ExchangeConnector
	logger       core.ILogger
	orderSvc     *order.Service

	groups   core.PositionGroupRepository
	pyramids core.PyramidRepository
	orders   core.DCAOrderRepository

	broadcaster core.Broadcaster

	// groupLocksMu guards groupLocks itself; groupLocks holds one mutex per
	// PositionGroup, acquired for the duration of UpdatePositionStats and
	// HandleExitSignal so the fill monitor's and risk engine's independent
	// read-modify-write cycles on the same group never interleave (spec §5:
	// "Concurrent invocations must be serialized by a group-scoped lock").
	groupLocksMu sync.Mutex
	groupLocks   map[uuid.UUID]*sync.Mutex
}

func NewManager(
	exchangeName string,
	exchange core.ExchangeConnector,
	logger core.ILogger,
	orderSvc *order.Service,
	groups core.PositionGroupRepository,
	pyramids core.PyramidRepository,
	orders core.DCAOrderRepository,
	broadcaster core.Broadcaster,
) *Manager {
	return &Manager{
		exchangeName: exchangeName,
		exchange:     exchange,
		logger:       logger.WithField("component", "position_manager"),
		orderSvc:     orderSvc,
		groups:       groups,
		pyramids:     pyramids,
		orders:       orders,
		broadcaster:  broadcaster,
		groupLocks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockGroup returns the group-scoped mutex for groupID, creating it on first
// use, and acquires it. The caller must call the returned unlock func.
func (m *Manager) lockGroup(groupID uuid.UUID) func() {
	m.groupLocksMu.Lock()
	lock, ok := m.groupLocks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		m.groupLocks[groupID] = lock
	}
	m.groupLocksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ReconcileOnStartup fetches every non-terminal local order belonging to
// this manager's exchange, re-queries its status against the exchange, and
// converges local state before the fill monitor and risk loop start ticking
// (spec §5; performed unconditionally at process start in the original
// implementation, referenced only in passing by the distilled concurrency
// section).
func (m *Manager) ReconcileOnStartup(ctx context.Context) error {
	byUser, err := m.orders.GetAllOpenOrdersForAllUsers(ctx)
	if err != nil {
		return fmt.Errorf("reconcile on startup: load open orders: %w", err)
	}

	touchedGroups := make(map[uuid.UUID]*core.PositionGroup)

	for _, orders := range byUser {
		for _, o := range orders {
			if o.ExchangeOrderID == "" {
				continue
			}
			group, ok := touchedGroups[o.GroupID]
			if !ok {
				group, err = m.groups.Get(ctx, o.GroupID)
				if err != nil {
					m.logger.Warn("reconcile on startup: load group failed", "group_id", o.GroupID, "error", err.Error())
					continue
				}
				touchedGroups[o.GroupID] = group
			}
			if group.Exchange != m.exchangeName {
				continue
			}

			feeRate, err := m.exchange.GetTradingFeeRate(ctx, o.Symbol)
			if err != nil {
				feeRate = decimal.Zero
			}
			if err := m.orderSvc.CheckStatus(ctx, o, feeRate); err != nil {
				m.logger.Warn("reconcile on startup: check status failed", "order_id", o.ID, "error", err.Error())
				continue
			}
			if err := m.orders.Update(ctx, o); err != nil {
				m.logger.Warn("reconcile on startup: persist order failed", "order_id", o.ID, "error", err.Error())
			}
		}
	}

	for _, group := range touchedGroups {
		if group.Exchange != m.exchangeName {
			continue
		}
		if err := m.UpdatePositionStats(ctx, group); err != nil {
			m.logger.Warn("reconcile on startup: update stats failed", "group_id", group.ID, "error", err.Error())
		}
	}
	return nil
}

// CreatePositionGroupFromSignal builds the first pyramid of a new position
// group, submits its entry orders, and broadcasts acceptance (spec §4.2
// step 1-9).
func (m *Manager) CreatePositionGroupFromSignal(ctx context.Context, signal core.Signal, cfg core.DCAGridConfig) (*core.PositionGroup, error) {
	precision, err := m.exchange.GetPrecisionRules(ctx)
	if err != nil {
		precision = map[string]core.PrecisionRules{}
	}
	rules := precision[signal.Symbol]

	legs, err := grid.Calculate(signal.EntryPrice, cfg, 0, rules)
	if err != nil {
		return nil, fmt.Errorf("create position group: compute grid: %w", err)
	}

	group := &core.PositionGroup{
		UserID:          signal.UserID,
		Exchange:        signal.Exchange,
		Symbol:          signal.Symbol,
		Timeframe:       signal.Timeframe,
		Side:            signal.Side,
		BaseEntryPrice:  signal.EntryPrice,
		TotalDCALegs:    len(legs),
		MaxPyramids:     cfg.MaxPyramids,
		TPMode:          cfg.TPMode,
		TPAggregatePercent: cfg.TPAggregatePercent,
		Status:          core.PositionLive,
		CreatedAt:       time.Now(),
		Config:          cfg,
	}

	if err := m.groups.Create(ctx, group); err != nil {
		return nil, &apperrors.DuplicatePositionError{UserID: signal.UserID, Exchange: signal.Exchange, Symbol: signal.Symbol, Timeframe: signal.Timeframe}
	}

	pyramid := &core.Pyramid{
		GroupID:      group.ID,
		PyramidIndex: 0,
		EntryPrice:   signal.EntryPrice,
		Status:       core.PyramidPending,
		DCAConfig:    cfg,
		CreatedAt:    time.Now(),
	}
	if err := m.pyramids.Create(ctx, pyramid); err != nil {
		return nil, fmt.Errorf("create position group: persist pyramid: %w", err)
	}

	orders := buildDCAOrders(group, pyramid, legs)
	m.submitLegs(ctx, group, orders)

	pyramid.Status = core.PyramidSubmitted
	if err := m.pyramids.Update(ctx, pyramid); err != nil {
		m.logger.Warn("failed to persist pyramid status", "pyramid_id", pyramid.ID, "error", err.Error())
	}

	group.Pyramids = append(group.Pyramids, pyramid)
	group.Orders = orders
	if err := m.groups.Update(ctx, group); err != nil {
		m.logger.Warn("failed to persist group after submit", "group_id", group.ID, "error", err.Error())
	}

	if messageID := m.broadcaster.SendEntrySignal(ctx, group); messageID != "" {
		if err := m.broadcaster.SaveMessageID(ctx, group, messageID); err != nil {
			m.logger.Warn("failed to persist broadcast correlator", "group_id", group.ID, "error", err.Error())
		}
	}
	return group, nil
}

func buildDCAOrders(group *core.PositionGroup, pyramid *core.Pyramid, legs []core.Leg) []*core.DCAOrder {
	orders := make([]*core.DCAOrder, 0, len(legs))
	for i, leg := range legs {
		status := core.DCAOrderPending
		if i == 0 && leg.Type == core.OrderTypeMarket {
			status = core.DCAOrderTriggerPending
		}
		orders = append(orders, &core.DCAOrder{
			GroupID:       group.ID,
			PyramidID:     pyramid.ID,
			LegIndex:      i,
			Symbol:        group.Symbol,
			Side:          leg.Side,
			OrderType:     leg.Type,
			Price:         leg.Price,
			Quantity:      leg.Quantity,
			GapPercent:    decimal.Zero,
			WeightPercent: leg.Weight,
			TPPrice:       leg.TPPrice,
			Status:        status,
			CreatedAt:     time.Now(),
		})
	}
	return orders
}

// submitLegs submits every pending order via OrderService. A submission
// failure is logged and leaves that leg failed; it never aborts sibling
// legs (spec §4.2 step 7: "Failures here leave the group failed but do not
// crash").
func (m *Manager) submitLegs(ctx context.Context, group *core.PositionGroup, orders []*core.DCAOrder) {
	anyFailed := false
	for _, o := range orders {
		if o.Status != core.DCAOrderPending {
			continue
		}
		if err := m.orderSvc.Submit(ctx, o); err != nil {
			m.logger.Error("failed to submit dca leg", "group_id", group.ID, "leg_index", o.LegIndex, "error", err.Error())
			anyFailed = true
		}
		if err := m.orders.Create(ctx, o); err != nil {
			m.logger.Error("failed to persist dca order", "group_id", group.ID, "leg_index", o.LegIndex, "error", err.Error())
		}
	}
	if anyFailed {
		group.Status = core.PositionFailed
	}
}

// ContinuePyramid adds a new entry wave to an existing group, incrementing
// pyramid_count atomically to avoid lost updates under concurrent signals
// for the same group (spec §4.2, §9).
func (m *Manager) ContinuePyramid(ctx context.Context, group *core.PositionGroup, cfg core.DCAGridConfig, resetTimerOnReplacement bool) (*core.Pyramid, error) {
	newCount, err := m.groups.IncrementPyramidCount(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("continue pyramid: increment count: %w", err)
	}
	pyramidIndex := newCount

	precision, err := m.exchange.GetPrecisionRules(ctx)
	if err != nil {
		precision = map[string]core.PrecisionRules{}
	}
	rules := precision[group.Symbol]

	currentPrice, err := m.exchange.GetCurrentPrice(ctx, group.Symbol)
	if err != nil {
		return nil, fmt.Errorf("continue pyramid: fetch current price: %w", err)
	}

	legs, err := grid.Calculate(currentPrice, cfg, pyramidIndex, rules)
	if err != nil {
		return nil, fmt.Errorf("continue pyramid: compute grid: %w", err)
	}

	pyramid := &core.Pyramid{
		GroupID:      group.ID,
		PyramidIndex: pyramidIndex,
		EntryPrice:   currentPrice,
		Status:       core.PyramidPending,
		DCAConfig:    cfg,
		CreatedAt:    time.Now(),
	}
	if err := m.pyramids.Create(ctx, pyramid); err != nil {
		return nil, fmt.Errorf("continue pyramid: persist pyramid: %w", err)
	}

	orders := buildDCAOrders(group, pyramid, legs)
	m.submitLegs(ctx, group, orders)

	pyramid.Status = core.PyramidSubmitted
	if err := m.pyramids.Update(ctx, pyramid); err != nil {
		m.logger.Warn("failed to persist pyramid status", "pyramid_id", pyramid.ID, "error", err.Error())
	}

	group.PyramidCount = newCount
	if resetTimerOnReplacement && group.RiskTimerStart != nil {
		group.RiskTimerStart = nil
		group.RiskTimerExpires = nil
	}
	if err := m.groups.Update(ctx, group); err != nil {
		m.logger.Warn("failed to persist group after pyramid continuation", "group_id", group.ID, "error", err.Error())
	}

	m.broadcaster.SendPyramidAdded(ctx, group, pyramid)
	return pyramid, nil
}

// replayState is the running state produced by chronologically replaying a
// group's filled orders (spec §4.2 step 3, §8 property 3).
type replayState struct {
	investedUSD  decimal.Decimal
	qty          decimal.Decimal
	avgPrice     decimal.Decimal
	realizedPnL  decimal.Decimal
}

func replayFills(group *core.PositionGroup, orders []*core.DCAOrder) replayState {
	filled := make([]*core.DCAOrder, 0, len(orders))
	for _, o := range orders {
		if o.Status == core.DCAOrderFilled && o.FilledQuantity.GreaterThan(decimal.Zero) {
			filled = append(filled, o)
		}
	}
	sort.Slice(filled, func(i, j int) bool {
		return fillTimestamp(filled[i]).Before(fillTimestamp(filled[j]))
	})

	st := replayState{}
	for _, o := range filled {
		if o.Side == group.Side.ToOrderSide() {
			notional := o.FilledQuantity.Mul(o.AvgFillPrice)
			st.investedUSD = st.investedUSD.Add(notional)
			st.qty = st.qty.Add(o.FilledQuantity)
			if st.qty.GreaterThan(decimal.Zero) {
				st.avgPrice = st.investedUSD.Div(st.qty)
			}
			continue
		}

		// Exit fill: realize PnL against the running average, decrement
		// qty, reduce invested proportionally.
		exitQty := o.FilledQuantity
		if exitQty.GreaterThan(st.qty) {
			exitQty = st.qty
		}
		pnl := o.AvgFillPrice.Sub(st.avgPrice).Mul(exitQty)
		st.realizedPnL = st.realizedPnL.Add(pnl)

		if st.qty.GreaterThan(decimal.Zero) {
			proportion := exitQty.Div(st.qty)
			st.investedUSD = st.investedUSD.Sub(st.investedUSD.Mul(proportion))
		}
		st.qty = st.qty.Sub(exitQty)

		if st.qty.LessThanOrEqual(decimal.Zero) {
			st.qty = decimal.Zero
			st.investedUSD = decimal.Zero
			st.avgPrice = decimal.Zero
		}
	}
	return st
}

func fillTimestamp(o *core.DCAOrder) time.Time {
	if o.FilledAt != nil {
		return *o.FilledAt
	}
	return o.CreatedAt
}

// UpdatePositionStats recomputes group's derived fields from its current
// order set and drives TP-mode-specific exit logic (spec §4.2 steps 1-7).
func (m *Manager) UpdatePositionStats(ctx context.Context, group *core.PositionGroup) error {
	unlock := m.lockGroup(group.ID)
	defer unlock()

	// Re-read the authoritative row under the lock: group may be a copy
	// fetched before a concurrent HandleExitSignal committed its own update,
	// and computing off that stale snapshot would silently clobber it on
	// this call's Update (spec §5 "group-scoped lock... equivalent").
	if fresh, err := m.groups.Get(ctx, group.ID); err == nil {
		*group = *fresh
	}

	orders, err := m.orders.GetAllOrdersByGroupID(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("update position stats: load orders: %w", err)
	}
	group.Orders = orders

	m.advancePyramidStatuses(ctx, group, orders)

	st := replayFills(group, orders)
	group.TotalInvestedUSD = st.investedUSD
	group.TotalFilledQuantity = st.qty
	group.WeightedAvgEntry = st.avgPrice
	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(st.realizedPnL)

	filledLegs := 0
	for _, o := range orders {
		if o.Status == core.DCAOrderFilled && o.LegIndex != core.LegIndexTPFill && !o.TPHit {
			filledLegs++
		}
	}
	group.FilledDCALegs = filledLegs

	currentPrice, err := m.exchange.GetCurrentPrice(ctx, group.Symbol)
	if err != nil {
		return fmt.Errorf("update position stats: fetch current price: %w", err)
	}

	if group.TotalFilledQuantity.GreaterThan(decimal.Zero) {
		group.UnrealizedPnLUSD = currentPrice.Sub(group.WeightedAvgEntry).Mul(group.TotalFilledQuantity)
		if group.TotalInvestedUSD.GreaterThan(decimal.Zero) {
			group.UnrealizedPnLPct = group.UnrealizedPnLUSD.Div(group.TotalInvestedUSD).Mul(decimal.NewFromInt(100))
		} else {
			group.UnrealizedPnLPct = decimal.Zero
		}
	} else {
		group.UnrealizedPnLUSD = decimal.Zero
		group.UnrealizedPnLPct = decimal.Zero
	}

	m.applyStatusTransition(ctx, group)

	switch group.TPMode {
	case core.TPAggregate, core.TPHybrid:
		if err := m.evaluateAggregateTP(ctx, group, currentPrice); err != nil {
			m.logger.Error("aggregate tp evaluation failed", "group_id", group.ID, "error", err.Error())
		}
	case core.TPPyramidAggregate:
		if err := m.evaluatePyramidAggregateTP(ctx, group, currentPrice); err != nil {
			m.logger.Error("pyramid aggregate tp evaluation failed", "group_id", group.ID, "error", err.Error())
		}
	}

	return m.groups.Update(ctx, group)
}

func (m *Manager) advancePyramidStatuses(ctx context.Context, group *core.PositionGroup, orders []*core.DCAOrder) {
	grouped := make(map[string][]*core.DCAOrder)
	for _, o := range orders {
		grouped[o.PyramidID.String()] = append(grouped[o.PyramidID.String()], o)
	}

	for _, p := range group.Pyramids {
		legs, ok := grouped[p.ID.String()]
		if !ok || len(legs) == 0 {
			continue
		}

		anyOpenOrFilled := false
		allFilled := true
		for _, o := range legs {
			if o.Status == core.DCAOrderOpen || o.Status == core.DCAOrderFilled {
				anyOpenOrFilled = true
			}
			if o.Status != core.DCAOrderFilled {
				allFilled = false
			}
		}

		if p.Status == core.PyramidPending && anyOpenOrFilled {
			p.Status = core.PyramidSubmitted
		}
		if allFilled {
			p.Status = core.PyramidFilled
		}
		if err := m.pyramids.Update(ctx, p); err != nil {
			m.logger.Warn("failed to persist pyramid status", "pyramid_id", p.ID, "error", err.Error())
		}
	}
}

func (m *Manager) applyStatusTransition(ctx context.Context, group *core.PositionGroup) {
	prevStatus := group.Status

	allLegsFilled := group.TotalDCALegs > 0 && group.FilledDCALegs >= group.TotalDCALegs
	someLegsFilled := group.FilledDCALegs > 0

	// FilledDCALegs excludes tp_hit legs (invariant 4), so a per_leg/hybrid
	// position whose every entry leg has since had its TP hit reports
	// FilledDCALegs=0 even though it plainly "has filled orders" — check the
	// raw order set instead of the tp_hit-filtered count (spec §4.2 step 6,
	// §8 invariant 5).
	hadAnyFill := hasAnyFilledOrder(group.Orders)

	switch {
	case group.TotalFilledQuantity.LessThanOrEqual(decimal.Zero) && hadAnyFill:
		group.Status = core.PositionClosed
		now := time.Now()
		group.ClosedAt = &now
		if err := m.orderSvc.CancelAllOpenOrdersForGroup(ctx, group.Orders); err != nil {
			m.logger.Warn("failed to cancel remaining orders on close", "group_id", group.ID, "error", err.Error())
		}
	case (group.Status == core.PositionLive || group.Status == core.PositionPartiallyFilled) && allLegsFilled:
		group.Status = core.PositionActive
	case group.Status == core.PositionLive && someLegsFilled && !allLegsFilled:
		group.Status = core.PositionPartiallyFilled
	}

	if group.Status != prevStatus {
		m.broadcaster.SendStatusChange(ctx, group, prevStatus, group.Status)
	}
}

// hasAnyFilledOrder reports whether any order in the group — entry leg, TP
// fill record, or ad-hoc market close — ever reported a non-zero fill,
// independent of the tp_hit-filtered FilledDCALegs counter.
func hasAnyFilledOrder(orders []*core.DCAOrder) bool {
	for _, o := range orders {
		if o.Status == core.DCAOrderFilled && o.FilledQuantity.GreaterThan(decimal.Zero) {
			return true
		}
	}
	return false
}

// evaluateAggregateTP implements the aggregate/hybrid TP check of spec §4.2
// step 7.
func (m *Manager) evaluateAggregateTP(ctx context.Context, group *core.PositionGroup, currentPrice decimal.Decimal) error {
	if group.WeightedAvgEntry.IsZero() || group.TotalFilledQuantity.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	target := group.WeightedAvgEntry.Mul(decimal.NewFromInt(1).Add(group.TPAggregatePercent.Div(decimal.NewFromInt(100))))
	if currentPrice.LessThan(target) {
		return nil
	}

	if err := m.orderSvc.CancelAllOpenOrdersForGroup(ctx, group.Orders); err != nil {
		m.logger.Warn("aggregate tp: cancel open orders failed", "group_id", group.ID, "error", err.Error())
	}

	env, err := m.orderSvc.CloseMarketPosition(ctx, group.Symbol, group.Side, group.TotalFilledQuantity, group.WeightedAvgEntry, decimal.Zero, core.SlippageWarn)
	if err != nil {
		return fmt.Errorf("aggregate tp: market close: %w", err)
	}

	prevStatus := group.Status
	group.Status = core.PositionClosed
	now := time.Now()
	group.ClosedAt = &now
	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(env.Average.Sub(group.WeightedAvgEntry).Mul(group.TotalFilledQuantity))
	m.broadcaster.SendStatusChange(ctx, group, prevStatus, group.Status)
	return nil
}

// evaluatePyramidAggregateTP implements the per-pyramid TP check of spec
// §4.2 step 7.
func (m *Manager) evaluatePyramidAggregateTP(ctx context.Context, group *core.PositionGroup, currentPrice decimal.Decimal) error {
	ordersByPyramid := make(map[string][]*core.DCAOrder)
	for _, o := range group.Orders {
		ordersByPyramid[o.PyramidID.String()] = append(ordersByPyramid[o.PyramidID.String()], o)
	}

	allFilled := len(group.Pyramids) > 0
	for _, p := range group.Pyramids {
		if p.Status == core.PyramidFilled {
			continue
		}

		legs := ordersByPyramid[p.ID.String()]
		var investedUSD, qty decimal.Decimal
		var hasEligible bool
		for _, o := range legs {
			if o.Status == core.DCAOrderFilled && !o.TPHit {
				hasEligible = true
				investedUSD = investedUSD.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
				qty = qty.Add(o.FilledQuantity)
			}
		}
		if !hasEligible || qty.LessThanOrEqual(decimal.Zero) {
			allFilled = false
			continue
		}

		avgEntry := investedUSD.Div(qty)
		tpPercent := p.DCAConfig.TPAggregatePercent
		if pct, ok := p.DCAConfig.PyramidTPPercents[p.PyramidIndex]; ok && !pct.IsZero() {
			tpPercent = pct
		}
		target := avgEntry.Mul(decimal.NewFromInt(1).Add(tpPercent.Div(decimal.NewFromInt(100))))

		if currentPrice.LessThan(target) {
			allFilled = false
			continue
		}

		for _, o := range legs {
			if o.TPOrderID != "" {
				if err := m.exchange.CancelOrder(ctx, o.TPOrderID, o.Symbol); err != nil {
					m.logger.Warn("pyramid aggregate tp: cancel leg tp failed", "order_id", o.ID, "error", err.Error())
				}
				o.TPOrderID = ""
			}
		}

		env, err := m.orderSvc.CloseMarketPosition(ctx, group.Symbol, group.Side, qty, avgEntry, decimal.Zero, core.SlippageWarn)
		if err != nil {
			m.logger.Error("pyramid aggregate tp: market close failed", "pyramid_id", p.ID, "error", err.Error())
			allFilled = false
			continue
		}

		now := time.Now()
		for _, o := range legs {
			if o.Status == core.DCAOrderFilled {
				o.TPHit = true
				o.TPExecutedAt = &now
			}
		}
		p.Status = core.PyramidFilled
		if err := m.pyramids.Update(ctx, p); err != nil {
			m.logger.Warn("failed to persist pyramid after tp", "pyramid_id", p.ID, "error", err.Error())
		}
		group.RealizedPnLUSD = group.RealizedPnLUSD.Add(env.Average.Sub(avgEntry).Mul(qty))
		m.broadcaster.SendTPHit(ctx, group, legs[0])
	}

	if allFilled {
		prevStatus := group.Status
		group.Status = core.PositionClosed
		now := time.Now()
		group.ClosedAt = &now
		m.broadcaster.SendStatusChange(ctx, group, prevStatus, group.Status)
	}
	return nil
}

// HandleExitSignal closes group idempotently: a no-op if already closed,
// otherwise cancels open orders and market-closes the replayed net long
// quantity, retrying once on insufficient balance (spec §4.2, §7).
func (m *Manager) HandleExitSignal(ctx context.Context, group *core.PositionGroup) error {
	unlock := m.lockGroup(group.ID)
	defer unlock()

	// Same staleness hazard as UpdatePositionStats: refresh under the lock
	// before trusting group.Status or its cached aggregates.
	if fresh, err := m.groups.Get(ctx, group.ID); err == nil {
		*group = *fresh
	}

	if group.Status == core.PositionClosed {
		return nil
	}

	group.Status = core.PositionClosing

	orders, err := m.orders.GetAllOrdersByGroupID(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("handle exit signal: load orders: %w", err)
	}
	group.Orders = orders

	if err := m.orderSvc.CancelAllOpenOrdersForGroup(ctx, orders); err != nil {
		m.logger.Warn("handle exit signal: cancel open orders failed", "group_id", group.ID, "error", err.Error())
	}

	st := replayFills(group, orders)
	if st.qty.LessThanOrEqual(decimal.Zero) {
		group.Status = core.PositionClosed
		now := time.Now()
		group.ClosedAt = &now
		m.broadcaster.SendExitSignal(ctx, group)
		return m.groups.Update(ctx, group)
	}

	env, err := m.orderSvc.CloseMarketPosition(ctx, group.Symbol, group.Side, st.qty, st.avgPrice, decimal.Zero, core.SlippageWarn)
	if err != nil && isInsufficientFunds(err) {
		free, balErr := m.exchange.FetchFreeBalance(ctx)
		if balErr == nil {
			available := free[baseCurrency(group.Symbol)]
			retryQty := st.qty
			if available.LessThan(retryQty) {
				retryQty = available
			}
			env, err = m.orderSvc.CloseMarketPosition(ctx, group.Symbol, group.Side, retryQty, st.avgPrice, decimal.Zero, core.SlippageWarn)
			st.qty = retryQty
		}
	}
	if err != nil {
		return fmt.Errorf("handle exit signal: market close: %w", err)
	}

	currentPrice := env.Average
	if currentPrice.IsZero() {
		currentPrice = st.avgPrice
	}
	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(currentPrice.Sub(st.avgPrice).Mul(st.qty))
	group.UnrealizedPnLUSD = decimal.Zero
	group.UnrealizedPnLPct = decimal.Zero
	group.TotalFilledQuantity = decimal.Zero
	group.Status = core.PositionClosed
	now := time.Now()
	group.ClosedAt = &now

	m.broadcaster.SendExitSignal(ctx, group)
	return m.groups.Update(ctx, group)
}

// baseCurrency extracts the base asset from a "BASE/QUOTE" symbol.
func baseCurrency(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

func isInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperrors.ErrInsufficientFunds) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance")
}
