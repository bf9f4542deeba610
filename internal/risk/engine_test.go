package risk

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
)

func testRiskConfig() core.RiskEngineConfig {
	return core.RiskEngineConfig{
		MaxPositionsPerSymbolTimeframe: 2,
		MaxTotalExposureUSD:            decimal.NewFromInt(10000),
		MaxRealizedLossUSD:             decimal.NewFromInt(500),
		TimerStartCondition:            core.TimerAfterAllDCAFilled,
		RequiredPyramidsForTimer:       1,
		PostFullWaitMinutes:            60,
		ResetTimerOnReplacement:        true,
		LossThresholdPercent:           decimal.NewFromInt(-5),
		MaxWinnersToCombine:            3,
		EvaluateIntervalSeconds:        30,
	}
}

func newTestUserContext(t *testing.T, userID uuid.UUID, ex *mock.ExchangeConnector, groups *mock.PositionGroupRepository, orders *mock.DCAOrderRepository, broadcaster *mock.Broadcaster) UserContext {
	t.Helper()
	logger := mock.NewLogger()
	pyramids := mock.NewPyramidRepository()
	orderSvc := order.NewService(ex, logger, orders, order.NewPrecisionCache(), order.DefaultOrderConfig())
	posMgr := position.NewManager("binance", ex, logger, orderSvc, groups, pyramids, orders, broadcaster)
	return UserContext{
		UserID:       userID,
		Config:       testRiskConfig(),
		ExchangeName: "binance",
		Exchange:     ex,
		OrderSvc:     orderSvc,
		PosMgr:       posMgr,
	}
}

func TestPreTradeCheck_RejectsWhenForceStopped(t *testing.T) {
	groups := mock.NewPositionGroupRepository()
	riskActions := mock.NewRiskActionRepository()
	broadcaster := mock.NewBroadcaster()
	engine := NewEngine(groups, riskActions, broadcaster, mock.NewLogger())

	ex := mock.NewExchangeConnector()
	uc := newTestUserContext(t, uuid.New(), ex, groups, mock.NewDCAOrderRepository(), broadcaster)
	engine.SetForceStopped(uc.UserID, true)

	ok, reason, err := engine.PreTradeCheck(context.Background(), uc, "BTC/USDT", "1h", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestPreTradeCheck_RejectsOnDailyLossLimit(t *testing.T) {
	groups := mock.NewPositionGroupRepository()
	riskActions := mock.NewRiskActionRepository()
	broadcaster := mock.NewBroadcaster()
	engine := NewEngine(groups, riskActions, broadcaster, mock.NewLogger())

	ex := mock.NewExchangeConnector()
	uc := newTestUserContext(t, uuid.New(), ex, groups, mock.NewDCAOrderRepository(), broadcaster)
	riskActions.SetDailyRealizedPnL(uc.UserID, decimal.NewFromInt(-600))

	ok, reason, err := engine.PreTradeCheck(context.Background(), uc, "BTC/USDT", "1h", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
	assert.True(t, engine.IsPausedByLossLimit(uc.UserID, uc.Config))
}

func TestPreTradeCheck_AllowsWithinLimits(t *testing.T) {
	groups := mock.NewPositionGroupRepository()
	riskActions := mock.NewRiskActionRepository()
	broadcaster := mock.NewBroadcaster()
	engine := NewEngine(groups, riskActions, broadcaster, mock.NewLogger())

	ex := mock.NewExchangeConnector()
	uc := newTestUserContext(t, uuid.New(), ex, groups, mock.NewDCAOrderRepository(), broadcaster)

	ok, _, err := engine.PreTradeCheck(context.Background(), uc, "BTC/USDT", "1h", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMaybeStartTimer_AfterAllDCAFilled(t *testing.T) {
	groups := mock.NewPositionGroupRepository()
	engine := NewEngine(groups, mock.NewRiskActionRepository(), mock.NewBroadcaster(), mock.NewLogger())

	cfg := testRiskConfig()
	group := &core.PositionGroup{TotalDCALegs: 2, FilledDCALegs: 2}
	started := engine.MaybeStartTimer(cfg, group)
	assert.True(t, started)
	assert.NotNil(t, group.RiskTimerStart)
	assert.NotNil(t, group.RiskTimerExpires)

	// Already armed: a second call is a no-op.
	previous := group.RiskTimerStart
	started = engine.MaybeStartTimer(cfg, group)
	assert.False(t, started)
	assert.Equal(t, previous, group.RiskTimerStart)
}

func TestMaybeStartTimer_NotYetSatisfied(t *testing.T) {
	groups := mock.NewPositionGroupRepository()
	engine := NewEngine(groups, mock.NewRiskActionRepository(), mock.NewBroadcaster(), mock.NewLogger())

	cfg := testRiskConfig()
	group := &core.PositionGroup{TotalDCALegs: 2, FilledDCALegs: 1}
	started := engine.MaybeStartTimer(cfg, group)
	assert.False(t, started)
	assert.Nil(t, group.RiskTimerStart)
}

func TestEvaluateUser_ExecutesOffsetClose(t *testing.T) {
	groups := mock.NewPositionGroupRepository()
	orders := mock.NewDCAOrderRepository()
	riskActions := mock.NewRiskActionRepository()
	broadcaster := mock.NewBroadcaster()
	engine := NewEngine(groups, riskActions, broadcaster, mock.NewLogger())

	ex := mock.NewExchangeConnector()
	ex.SetPrecision("BTC/USDT", core.PrecisionRules{TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001)})
	ex.SetPrecision("ETH/USDT", core.PrecisionRules{TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001)})
	ex.SetPrice("BTC/USDT", decimal.NewFromInt(90))
	ex.SetPrice("ETH/USDT", decimal.NewFromInt(2200))

	userID := uuid.New()
	uc := newTestUserContext(t, userID, ex, groups, orders, broadcaster)

	expired := time.Now().Add(-time.Minute)
	loser := &core.PositionGroup{
		ID: uuid.New(), UserID: userID, Exchange: "binance", Symbol: "BTC/USDT", Side: core.SideLong,
		Status: core.PositionActive, WeightedAvgEntry: decimal.NewFromInt(100),
		TotalFilledQuantity: decimal.NewFromFloat(0.1), TotalInvestedUSD: decimal.NewFromInt(10),
		UnrealizedPnLUSD: decimal.NewFromInt(-50), UnrealizedPnLPct: decimal.NewFromInt(-10),
		PyramidCount: 1, RiskTimerExpires: &expired,
	}
	require.NoError(t, groups.Create(context.Background(), loser))

	winner := &core.PositionGroup{
		ID: uuid.New(), UserID: userID, Exchange: "binance", Symbol: "ETH/USDT", Side: core.SideLong,
		Status: core.PositionActive, WeightedAvgEntry: decimal.NewFromInt(2000),
		TotalFilledQuantity: decimal.NewFromFloat(1), TotalInvestedUSD: decimal.NewFromInt(2000),
		UnrealizedPnLUSD: decimal.NewFromInt(200),
	}
	require.NoError(t, groups.Create(context.Background(), winner))

	err := engine.EvaluateUser(context.Background(), uc)
	require.NoError(t, err)

	assert.Equal(t, core.PositionClosed, loser.Status)
	assert.Len(t, riskActions.All(), 1)
	assert.Len(t, broadcaster.RiskEvents, 1)
}

func TestEvaluateUser_NoEligibleLoserIsNoop(t *testing.T) {
	groups := mock.NewPositionGroupRepository()
	riskActions := mock.NewRiskActionRepository()
	broadcaster := mock.NewBroadcaster()
	engine := NewEngine(groups, riskActions, broadcaster, mock.NewLogger())

	ex := mock.NewExchangeConnector()
	userID := uuid.New()
	uc := newTestUserContext(t, userID, ex, groups, mock.NewDCAOrderRepository(), broadcaster)

	err := engine.EvaluateUser(context.Background(), uc)
	require.NoError(t, err)
	assert.Empty(t, riskActions.All())
}
