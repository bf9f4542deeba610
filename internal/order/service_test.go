package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
	"dcaengine/internal/mock"
)

func newTestService(t *testing.T, ex *mock.ExchangeConnector) *Service {
	t.Helper()
	logger := mock.NewLogger()
	repo := mock.NewDCAOrderRepository()
	cfg := DefaultOrderConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.VerificationDelay = time.Millisecond
	return NewService(ex, logger, repo, NewPrecisionCache(), cfg)
}

func TestSubmit_HappyPath(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	o := &core.DCAOrder{
		ID:       uuid.New(),
		Symbol:   "BTC/USDT",
		Side:     core.OrderSideBuy,
		OrderType: core.OrderTypeLimit,
		Price:    decimal.NewFromInt(100),
		Quantity: decimal.NewFromFloat(0.01),
		Status:   core.DCAOrderPending,
	}

	err := svc.Submit(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, core.DCAOrderOpen, o.Status)
	assert.NotEmpty(t, o.ExchangeOrderID)
}

func TestSubmit_NonTransientFailsImmediately(t *testing.T) {
	ex := mock.NewExchangeConnector()
	ex.FailNextPlace(errors.New("insufficient funds"))
	svc := newTestService(t, ex)

	o := &core.DCAOrder{Symbol: "BTC/USDT", Side: core.OrderSideBuy, Quantity: decimal.NewFromFloat(0.01), Status: core.DCAOrderPending}
	err := svc.Submit(context.Background(), o)
	assert.Error(t, err)
	assert.Equal(t, core.DCAOrderFailed, o.Status)
}

func TestCheckStatus_MapsFilled(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	o := &core.DCAOrder{Symbol: "BTC/USDT", Side: core.OrderSideBuy, Quantity: decimal.NewFromFloat(0.01), Status: core.DCAOrderPending}
	require.NoError(t, svc.Submit(context.Background(), o))

	ex.SetOrderFill(o.ExchangeOrderID, decimal.NewFromFloat(0.01), decimal.NewFromInt(100), "closed")

	require.NoError(t, svc.CheckStatus(context.Background(), o, decimal.NewFromFloat(0.001)))
	assert.Equal(t, core.DCAOrderFilled, o.Status)
	assert.NotNil(t, o.FilledAt)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromFloat(0.01)))
}

func TestCheckStatus_PartiallyFilled(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	o := &core.DCAOrder{Symbol: "BTC/USDT", Side: core.OrderSideBuy, Quantity: decimal.NewFromFloat(0.01), Status: core.DCAOrderPending}
	require.NoError(t, svc.Submit(context.Background(), o))

	ex.SetOrderFill(o.ExchangeOrderID, decimal.NewFromFloat(0.004), decimal.NewFromInt(100), "open")
	require.NoError(t, svc.CheckStatus(context.Background(), o, decimal.NewFromFloat(0.001)))
	assert.Equal(t, core.DCAOrderPartiallyFilled, o.Status)
}

func TestCancelWithVerification_Success(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	o := &core.DCAOrder{Symbol: "BTC/USDT", Side: core.OrderSideBuy, Quantity: decimal.NewFromFloat(0.01), Status: core.DCAOrderPending}
	require.NoError(t, svc.Submit(context.Background(), o))

	result, err := svc.CancelWithVerification(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, core.CancelAlreadyCancelled, result.Outcome)
}

func TestCancelWithVerification_NotFound(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	o := &core.DCAOrder{ExchangeOrderID: "does-not-exist", Symbol: "BTC/USDT"}
	result, err := svc.CancelWithVerification(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, core.CancelNotFound, result.Outcome)
}

func TestPlaceTPOrder_RequiresFilledLeg(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	o := &core.DCAOrder{Symbol: "BTC/USDT", Status: core.DCAOrderOpen}
	err := svc.PlaceTPOrder(context.Background(), o, false, decimal.NewFromInt(2))
	assert.Error(t, err)
}

func TestPlaceTPOrder_Succeeds(t *testing.T) {
	ex := mock.NewExchangeConnector()
	ex.SetPrecision("BTC/USDT", core.PrecisionRules{TickSize: decimal.NewFromFloat(0.01), StepSize: decimal.NewFromFloat(0.0001)})
	svc := newTestService(t, ex)

	o := &core.DCAOrder{
		Symbol:         "BTC/USDT",
		Side:           core.OrderSideBuy,
		Status:         core.DCAOrderFilled,
		FilledQuantity: decimal.NewFromFloat(0.01),
		AvgFillPrice:   decimal.NewFromInt(100),
		TPPrice:        decimal.NewFromInt(102),
	}
	err := svc.PlaceTPOrder(context.Background(), o, false, decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.NotEmpty(t, o.TPOrderID)
}

func TestPlaceMarketOrder_PreCheckRejectsOnBreach(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)
	ex.SetPrice("BTC/USDT", decimal.NewFromInt(110))

	_, err := svc.PlaceMarketOrder(context.Background(), "BTC/USDT", core.OrderSideSell, decimal.NewFromFloat(0.01), decimal.NewFromInt(100), decimal.NewFromInt(1), core.SlippageReject)
	assert.Error(t, err)
}

func TestPlaceMarketOrder_WarnDoesNotReject(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)
	ex.SetPrice("BTC/USDT", decimal.NewFromInt(110))

	_, err := svc.PlaceMarketOrder(context.Background(), "BTC/USDT", core.OrderSideSell, decimal.NewFromFloat(0.01), decimal.NewFromInt(100), decimal.NewFromInt(1), core.SlippageWarn)
	assert.NoError(t, err)
}

func TestExecuteForceClose_RejectsWrongUser(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	g := &core.PositionGroup{ID: uuid.New(), UserID: uuid.New(), Status: core.PositionLive}
	err := svc.ExecuteForceClose(context.Background(), g, uuid.New())
	assert.Error(t, err)
}

func TestExecuteForceClose_TransitionsToClosing(t *testing.T) {
	ex := mock.NewExchangeConnector()
	svc := newTestService(t, ex)

	userID := uuid.New()
	g := &core.PositionGroup{ID: uuid.New(), UserID: userID, Status: core.PositionActive}
	err := svc.ExecuteForceClose(context.Background(), g, userID)
	require.NoError(t, err)
	assert.Equal(t, core.PositionClosing, g.Status)
}
