// Package fillmonitor implements FillMonitor, the per-instance background
// scheduler that periodically reconciles local order state with the
// exchange (spec §4.3, component F).
package fillmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/internal/order"
	"dcaengine/internal/position"
	"dcaengine/pkg/concurrency"
)

// UserContext bundles the per-(user, exchange) collaborators a monitoring
// cycle needs: its own ExchangeConnector, OrderService, and PositionManager
// (spec §5: one exchange connector per bucket).
type UserContext struct {
	UserID   uuid.UUID
	Exchange string
	Conn     core.ExchangeConnector
	OrderSvc *order.Service
	PosMgr   *position.Manager
}

// Monitor is the per-cycle scanner described in spec §4.3.
type Monitor struct {
	logger core.ILogger
	cache  core.Cache

	groups core.PositionGroupRepository
	orders core.DCAOrderRepository

	pool *concurrency.WorkerPool

	pollInterval time.Duration

	mu      sync.Mutex
	running bool
}

func NewMonitor(
	logger core.ILogger,
	cache core.Cache,
	groups core.PositionGroupRepository,
	orders core.DCAOrderRepository,
	pool *concurrency.WorkerPool,
	pollInterval time.Duration,
) *Monitor {
	return &Monitor{
		logger:       logger.WithField("component", "fill_monitor"),
		cache:        cache,
		groups:       groups,
		orders:       orders,
		pool:         pool,
		pollInterval: pollInterval,
	}
}

// Run blocks, running a cycle every pollInterval until ctx is cancelled. On
// shutdown the loop cooperatively observes the running flag and exits at
// the next iteration boundary (spec §4.3 "Ordering").
func (m *Monitor) Run(ctx context.Context, userContexts func(context.Context) ([]UserContext, error)) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			if !m.isRunning() {
				return nil
			}
			users, err := userContexts(ctx)
			if err != nil {
				m.logger.Error("fill monitor: failed to list user contexts", "error", err.Error())
				continue
			}
			m.RunCycle(ctx, users)
		}
	}
}

func (m *Monitor) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop requests the run loop exit at its next iteration boundary.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// RunCycle executes one full scan: health report, per-(user,exchange)
// bounded-concurrency fan-out, and the aggregate/pyramid_aggregate TP
// sweeps for idle positions (spec §4.3 steps 1-8).
func (m *Monitor) RunCycle(ctx context.Context, users []UserContext) {
	start := time.Now()
	m.reportHealth(ctx)

	var wg sync.WaitGroup
	for _, uc := range users {
		uc := uc
		wg.Add(1)
		_ = m.pool.Submit(func() {
			defer wg.Done()
			m.processUserExchange(ctx, uc)
		})
	}
	wg.Wait()

	m.logger.Debug("fill monitor cycle complete", "duration_ms", time.Since(start).Milliseconds())
}

func (m *Monitor) reportHealth(ctx context.Context) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Set(ctx, "fillmonitor:heartbeat", time.Now().Format(time.RFC3339), m.pollInterval*3); err != nil {
		m.logger.Warn("fill monitor: failed to report health", "error", err.Error())
	}
}

// processUserExchange handles one (user, exchange) bucket: orders are
// strictly serialized within the bucket, but buckets run concurrently
// across the worker pool (spec §4.3 "Ordering").
func (m *Monitor) processUserExchange(ctx context.Context, uc UserContext) {
	allOpen, err := m.orders.GetAllOpenOrdersForAllUsers(ctx)
	if err != nil {
		m.logger.Error("fill monitor: failed to list open orders", "user_id", uc.UserID, "error", err.Error())
		return
	}

	tickers, err := uc.Conn.GetAllTickers(ctx)
	if err != nil {
		m.logger.Error("fill monitor: failed to fetch tickers", "user_id", uc.UserID, "error", err.Error())
		return
	}
	priceCache := make(map[string]decimal.Decimal, len(tickers))
	for sym, t := range tickers {
		priceCache[sym] = t.Last
	}

	touchedGroups := make(map[uuid.UUID]bool)

	for groupID, groupOrders := range allOpen {
		group, err := m.groups.GetWithOrders(ctx, groupID)
		if err != nil {
			continue
		}
		if group.UserID != uc.UserID || group.Exchange != uc.Exchange {
			continue
		}

		for _, o := range groupOrders {
			m.processOrder(ctx, uc, group, o, priceCache)
		}
		touchedGroups[groupID] = true
	}

	// Filled entry legs (TP placement and TP-hit checks) and idle groups with
	// no open orders (aggregate/pyramid_aggregate TP checks) are not in the
	// open-order feed, so each active group of this bucket is visited as well.
	active, _ := m.groups.GetActivePositionGroupsForUser(ctx, uc.UserID)
	for _, group := range active {
		groupOrders, err := m.orders.GetAllOrdersByGroupID(ctx, group.ID)
		if group.Exchange != uc.Exchange || err != nil {
			continue
		}
		for _, o := range groupOrders {
			if o.Status == core.DCAOrderFilled && o.LegIndex >= 0 && o.LegIndex != core.LegIndexTPFill {
				m.processOrder(ctx, uc, group, o, priceCache)
			}
		}
		touchedGroups[group.ID] = true
	}

	for groupID := range touchedGroups {
		group, err := m.groups.GetWithOrders(ctx, groupID)
		if err != nil {
			continue
		}
		if err := uc.PosMgr.UpdatePositionStats(ctx, group); err != nil {
			m.logger.Error("fill monitor: update position stats failed", "group_id", groupID, "error", err.Error())
		}
	}
}

// processOrder implements the per-order decision tree of spec §4.3 step 5.
func (m *Monitor) processOrder(ctx context.Context, uc UserContext, group *core.PositionGroup, o *core.DCAOrder, prices map[string]decimal.Decimal) {
	currentPrice, havePrice := prices[o.Symbol]

	switch o.Status {
	case core.DCAOrderTriggerPending:
		if !havePrice || !triggerCrossed(o, currentPrice) {
			return
		}
		if err := uc.OrderSvc.Submit(ctx, o); err != nil {
			m.logger.Error("fill monitor: trigger submit failed", "order_id", o.ID, "error", err.Error())
		}
		_ = m.orders.Update(ctx, o)

	case core.DCAOrderOpen, core.DCAOrderPartiallyFilled:
		feeRate, _ := uc.Conn.GetTradingFeeRate(ctx, o.Symbol)
		if err := uc.OrderSvc.CheckStatus(ctx, o, feeRate); err != nil {
			m.logger.Error("fill monitor: check status failed", "order_id", o.ID, "error", err.Error())
			return
		}

		if havePrice && shouldCancelBeyondThreshold(group, o, currentPrice) {
			if _, err := uc.OrderSvc.CancelWithVerification(ctx, o); err != nil {
				m.logger.Error("fill monitor: cancel beyond threshold failed", "order_id", o.ID, "error", err.Error())
			}
		}
		_ = m.orders.Update(ctx, o)

	case core.DCAOrderFilled:
		if o.TPOrderID == "" && (group.TPMode == core.TPPerLeg || group.TPMode == core.TPHybrid) {
			if err := uc.OrderSvc.PlaceTPOrder(ctx, o, group.Config.AdjustTPForFillPrice, o.TPPercent); err != nil {
				m.logger.Error("fill monitor: place tp order failed", "order_id", o.ID, "error", err.Error())
			}
			_ = m.orders.Update(ctx, o)
			return
		}
		if o.TPOrderID != "" && !o.TPHit {
			env, err := uc.Conn.GetOrderStatus(ctx, o.TPOrderID, o.Symbol)
			if err != nil {
				return
			}
			if env.Status == "closed" || env.Status == "filled" {
				now := time.Now()
				o.TPHit = true
				o.TPExecutedAt = &now
				_ = m.orders.Update(ctx, o)
				m.recordTPFill(ctx, o, env, now)
			}
		}
	}
}

// recordTPFill persists the leg_index=999 synthetic exit record for a hit
// TP order (spec §3 "leg_index... 999 reserved for 'TP fill record'"), so
// that replaying a group's filled orders naturally nets the quantity back
// down and step 6's "all entries filled and all TPs hit" closure falls out
// of the ordinary zero-quantity path rather than a special case. The
// synthetic record's side is the entry leg's opposite, mirroring the
// "buy"->"sell" string-compare asymmetry the original implementation used
// for this same record (spec §9 open question 1); it carries no fee, since
// the TP order's own fee belongs to the TP fill itself, not this bookkeeping
// record.
func (m *Monitor) recordTPFill(ctx context.Context, o *core.DCAOrder, env *core.ExchangeEnvelope, now time.Time) {
	avgPrice := env.Average
	if avgPrice.IsZero() {
		avgPrice = o.TPPrice
	}
	exit := &core.DCAOrder{
		GroupID:         o.GroupID,
		PyramidID:       o.PyramidID,
		LegIndex:        core.LegIndexTPFill,
		Symbol:          o.Symbol,
		Side:            o.Side.Opposite(),
		OrderType:       core.OrderTypeLimit,
		Price:           o.TPPrice,
		Quantity:        o.FilledQuantity,
		ExchangeOrderID: o.TPOrderID,
		FilledQuantity:  o.FilledQuantity,
		AvgFillPrice:    avgPrice,
		Status:          core.DCAOrderFilled,
		SubmittedAt:     o.TPExecutedAt,
		FilledAt:        &now,
		CreatedAt:       now,
	}
	if err := m.orders.Create(ctx, exit); err != nil {
		m.logger.Error("fill monitor: failed to record tp fill", "order_id", o.ID, "error", err.Error())
	}
}

// triggerCrossed reports whether current has crossed o.Price in the
// direction implied by o.Side (spec §4.1 state machine).
func triggerCrossed(o *core.DCAOrder, current decimal.Decimal) bool {
	if o.Side == core.OrderSideBuy {
		return current.LessThanOrEqual(o.Price)
	}
	return current.GreaterThanOrEqual(o.Price)
}

// shouldCancelBeyondThreshold reports whether the live mark has diverged
// from the group's weighted average entry beyond cancel_dca_beyond_percent
// in the same direction as the planned leg (spec §4.3 step 5).
func shouldCancelBeyondThreshold(group *core.PositionGroup, o *core.DCAOrder, current decimal.Decimal) bool {
	beyond := group.Config.CancelDCABeyondPercent
	if beyond.IsZero() || group.WeightedAvgEntry.IsZero() {
		return false
	}
	divergence := group.WeightedAvgEntry.Sub(current).Div(group.WeightedAvgEntry).Mul(decimal.NewFromInt(100))
	if o.Side == core.OrderSideSell {
		divergence = divergence.Neg()
	}
	return divergence.GreaterThan(beyond)
}
