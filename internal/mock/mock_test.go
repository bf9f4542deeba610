package mock

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/core"
)

func TestExchangeConnector_PlaceAndFill(t *testing.T) {
	ctx := context.Background()
	ex := NewExchangeConnector()
	ex.SetPrice("BTC/USDT", decimal.NewFromInt(50000))

	env, err := ex.PlaceOrder(ctx, "BTC/USDT", core.OrderTypeLimit, core.OrderSideBuy, decimal.NewFromFloat(0.1), nil, core.AmountBase)
	require.NoError(t, err)
	assert.Equal(t, "new", env.Status)

	ex.SetOrderFill(env.ID, decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), "filled")
	status, err := ex.GetOrderStatus(ctx, env.ID, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "filled", status.Status)

	price, err := ex.GetCurrentPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(50000)))
}

func TestExchangeConnector_CancelNotFound(t *testing.T) {
	ex := NewExchangeConnector()
	err := ex.CancelOrder(context.Background(), "unknown", "BTC/USDT")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPositionGroupRepository_IncrementPyramidCount(t *testing.T) {
	repo := NewPositionGroupRepository()
	g := &core.PositionGroup{UserID: uuid.New(), Symbol: "BTC/USDT"}
	require.NoError(t, repo.Create(context.Background(), g))

	count, err := repo.IncrementPyramidCount(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBroadcaster_RecordsCalls(t *testing.T) {
	b := NewBroadcaster()
	g := &core.PositionGroup{ID: uuid.New()}
	b.SendEntrySignal(context.Background(), g)
	b.SendStatusChange(context.Background(), g, core.PositionLive, core.PositionActive)

	assert.Len(t, b.EntrySignals, 1)
	require.Len(t, b.StatusChanges, 1)
	assert.Equal(t, core.PositionActive, b.StatusChanges[0].To)
}
