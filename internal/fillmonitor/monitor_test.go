package fillmonitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
	"dcaengine/internal/mock"
	"dcaengine/internal/order"
	"dcaengine/internal/position"
	"dcaengine/pkg/concurrency"
)

func newTestMonitor(t *testing.T) (*Monitor, *mock.PositionGroupRepository, *mock.DCAOrderRepository) {
	t.Helper()
	logger := mock.NewLogger()
	groups := mock.NewPositionGroupRepository()
	orders := mock.NewDCAOrderRepository()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "fillmonitor-test", MaxWorkers: 4}, logger)
	m := NewMonitor(logger, nil, groups, orders, pool, time.Minute)
	return m, groups, orders
}

func newUserContext(t *testing.T, userID uuid.UUID, ex *mock.ExchangeConnector, groups *mock.PositionGroupRepository, orders *mock.DCAOrderRepository, pyramids *mock.PyramidRepository, broadcaster *mock.Broadcaster) UserContext {
	t.Helper()
	logger := mock.NewLogger()
	orderSvc := order.NewService(ex, logger, orders, order.NewPrecisionCache(), order.DefaultOrderConfig())
	posMgr := position.NewManager("binance", ex, logger, orderSvc, groups, pyramids, orders, broadcaster)
	return UserContext{UserID: userID, Exchange: "binance", Conn: ex, OrderSvc: orderSvc, PosMgr: posMgr}
}

func TestProcessOrder_TriggerPendingCrossesAndSubmits(t *testing.T) {
	m, _, orders := newTestMonitor(t)
	ex := mock.NewExchangeConnector()
	ex.SetPrice("BTC/USDT", decimal.NewFromInt(99))
	pyramids := mock.NewPyramidRepository()
	broadcaster := mock.NewBroadcaster()
	uc := newUserContext(t, uuid.New(), ex, nil, orders, pyramids, broadcaster)

	group := &core.PositionGroup{ID: uuid.New(), Side: core.SideLong, Symbol: "BTC/USDT"}
	o := &core.DCAOrder{
		ID:        uuid.New(),
		Symbol:    "BTC/USDT",
		Side:      core.OrderSideBuy,
		OrderType: core.OrderTypeMarket,
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromFloat(0.01),
		Status:    core.DCAOrderTriggerPending,
	}
	require.NoError(t, orders.Create(context.Background(), o))

	m.processOrder(context.Background(), uc, group, o, map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(99)})
	assert.Equal(t, core.DCAOrderOpen, o.Status)
	assert.NotEmpty(t, o.ExchangeOrderID)
}

func TestProcessOrder_TriggerPendingDoesNotCrossYet(t *testing.T) {
	m, _, orders := newTestMonitor(t)
	ex := mock.NewExchangeConnector()
	pyramids := mock.NewPyramidRepository()
	broadcaster := mock.NewBroadcaster()
	uc := newUserContext(t, uuid.New(), ex, nil, orders, pyramids, broadcaster)

	group := &core.PositionGroup{ID: uuid.New(), Side: core.SideLong, Symbol: "BTC/USDT"}
	o := &core.DCAOrder{
		ID:       uuid.New(),
		Symbol:   "BTC/USDT",
		Side:     core.OrderSideBuy,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromFloat(0.01),
		Status:   core.DCAOrderTriggerPending,
	}
	require.NoError(t, orders.Create(context.Background(), o))

	m.processOrder(context.Background(), uc, group, o, map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(101)})
	assert.Equal(t, core.DCAOrderTriggerPending, o.Status)
	assert.Empty(t, o.ExchangeOrderID)
}

func TestProcessOrder_FilledWithoutTPPlacesTP(t *testing.T) {
	m, _, orders := newTestMonitor(t)
	ex := mock.NewExchangeConnector()
	ex.SetPrecision("BTC/USDT", core.PrecisionRules{TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001)})
	pyramids := mock.NewPyramidRepository()
	broadcaster := mock.NewBroadcaster()
	uc := newUserContext(t, uuid.New(), ex, nil, orders, pyramids, broadcaster)

	group := &core.PositionGroup{ID: uuid.New(), Side: core.SideLong, Symbol: "BTC/USDT", TPMode: core.TPPerLeg}
	o := &core.DCAOrder{
		ID:             uuid.New(),
		Symbol:         "BTC/USDT",
		Side:           core.OrderSideBuy,
		Status:         core.DCAOrderFilled,
		FilledQuantity: decimal.NewFromFloat(0.01),
		AvgFillPrice:   decimal.NewFromInt(100),
		TPPercent:      decimal.NewFromInt(2),
	}
	require.NoError(t, orders.Create(context.Background(), o))

	m.processOrder(context.Background(), uc, group, o, map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(100)})
	assert.NotEmpty(t, o.TPOrderID)
}

func TestProcessOrder_FilledWithTPHitMarksTPHit(t *testing.T) {
	m, _, orders := newTestMonitor(t)
	ex := mock.NewExchangeConnector()
	pyramids := mock.NewPyramidRepository()
	broadcaster := mock.NewBroadcaster()
	uc := newUserContext(t, uuid.New(), ex, nil, orders, pyramids, broadcaster)

	placed, err := ex.PlaceOrder(context.Background(), "BTC/USDT", core.OrderTypeLimit, core.OrderSideSell, decimal.NewFromFloat(0.01), nil, core.AmountBase)
	require.NoError(t, err)
	ex.SetOrderFill(placed.ID, decimal.NewFromFloat(0.01), decimal.NewFromInt(102), "closed")

	group := &core.PositionGroup{ID: uuid.New(), Side: core.SideLong, Symbol: "BTC/USDT", TPMode: core.TPPerLeg}
	o := &core.DCAOrder{
		ID:             uuid.New(),
		Symbol:         "BTC/USDT",
		Side:           core.OrderSideBuy,
		Status:         core.DCAOrderFilled,
		FilledQuantity: decimal.NewFromFloat(0.01),
		TPOrderID:      placed.ID,
	}
	require.NoError(t, orders.Create(context.Background(), o))

	m.processOrder(context.Background(), uc, group, o, map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(102)})
	assert.True(t, o.TPHit)
	assert.NotNil(t, o.TPExecutedAt)
}

func TestProcessOrder_TPHitRecordsSyntheticFillAndClosesGroup(t *testing.T) {
	m, groups, orders := newTestMonitor(t)
	ex := mock.NewExchangeConnector()
	ex.SetPrice("BTC/USDT", decimal.NewFromInt(102))
	pyramids := mock.NewPyramidRepository()
	broadcaster := mock.NewBroadcaster()
	uc := newUserContext(t, uuid.New(), ex, groups, orders, pyramids, broadcaster)

	placed, err := ex.PlaceOrder(context.Background(), "BTC/USDT", core.OrderTypeLimit, core.OrderSideSell, decimal.NewFromFloat(0.01), nil, core.AmountBase)
	require.NoError(t, err)
	ex.SetOrderFill(placed.ID, decimal.NewFromFloat(0.01), decimal.NewFromInt(102), "closed")

	group := &core.PositionGroup{ID: uuid.New(), Side: core.SideLong, Symbol: "BTC/USDT", TPMode: core.TPPerLeg, TotalDCALegs: 1, Status: core.PositionActive}
	require.NoError(t, groups.Create(context.Background(), group))

	entry := &core.DCAOrder{
		ID:             uuid.New(),
		GroupID:        group.ID,
		Symbol:         "BTC/USDT",
		Side:           core.OrderSideBuy,
		Status:         core.DCAOrderFilled,
		FilledQuantity: decimal.NewFromFloat(0.01),
		AvgFillPrice:   decimal.NewFromInt(100),
		TPOrderID:      placed.ID,
		TPPrice:        decimal.NewFromInt(102),
		FilledAt:       timePtr(time.Now()),
	}
	require.NoError(t, orders.Create(context.Background(), entry))

	m.processOrder(context.Background(), uc, group, entry, map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(102)})
	assert.True(t, entry.TPHit)

	groupOrders, err := orders.GetAllOrdersByGroupID(context.Background(), group.ID)
	require.NoError(t, err)
	require.Len(t, groupOrders, 2, "expected a synthetic leg_index=999 exit record alongside the entry leg")

	var exit *core.DCAOrder
	for _, o := range groupOrders {
		if o.LegIndex == core.LegIndexTPFill {
			exit = o
		}
	}
	require.NotNil(t, exit, "no synthetic tp fill record was created")
	assert.Equal(t, core.OrderSideSell, exit.Side)
	assert.True(t, exit.FilledQuantity.Equal(entry.FilledQuantity))
	assert.Equal(t, core.DCAOrderFilled, exit.Status)

	require.NoError(t, uc.PosMgr.UpdatePositionStats(context.Background(), group))
	assert.Equal(t, core.PositionClosed, group.Status, "group should close once its only leg's TP has hit")
	assert.True(t, group.TotalFilledQuantity.IsZero())
}

func timePtr(t time.Time) *time.Time { return &t }

func TestShouldCancelBeyondThreshold(t *testing.T) {
	group := &core.PositionGroup{
		WeightedAvgEntry: decimal.NewFromInt(100),
		Config:           core.DCAGridConfig{CancelDCABeyondPercent: decimal.NewFromInt(5)},
	}
	o := &core.DCAOrder{Side: core.OrderSideBuy}
	assert.True(t, shouldCancelBeyondThreshold(group, o, decimal.NewFromInt(90)))
	assert.False(t, shouldCancelBeyondThreshold(group, o, decimal.NewFromInt(98)))
}

func TestRunCycle_ProcessesSingleUserBucket(t *testing.T) {
	m, groups, orders := newTestMonitor(t)
	ex := mock.NewExchangeConnector()
	ex.SetPrice("BTC/USDT", decimal.NewFromInt(100))
	pyramids := mock.NewPyramidRepository()
	broadcaster := mock.NewBroadcaster()

	userID := uuid.New()
	group := &core.PositionGroup{ID: uuid.New(), UserID: userID, Exchange: "binance", Side: core.SideLong, Symbol: "BTC/USDT", Status: core.PositionLive}
	require.NoError(t, groups.Create(context.Background(), group))
	o := &core.DCAOrder{ID: uuid.New(), GroupID: group.ID, Symbol: "BTC/USDT", Side: core.OrderSideBuy, Status: core.DCAOrderOpen, Quantity: decimal.NewFromFloat(0.01)}
	require.NoError(t, orders.Create(context.Background(), o))

	uc := newUserContext(t, userID, ex, groups, orders, pyramids, broadcaster)
	m.RunCycle(context.Background(), []UserContext{uc})
}
