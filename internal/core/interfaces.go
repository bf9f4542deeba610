package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExchangeEnvelope is the uniform response shape for order operations,
// grounded on the CCXT-style facade described in spec §6.
type ExchangeEnvelope struct {
	ID            string
	ClientOrderID string
	Status        string // exchange-native status vocabulary, mapped by the caller
	Filled        decimal.Decimal
	Average       decimal.Decimal
	Fee           decimal.Decimal
	FeeCurrency   string
	Info          map[string]any // raw exchange response, for fee/precision sniffing
}

// Ticker is a single symbol's last-traded price snapshot.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
}

// ExchangeConnector is the uniform facade over a single (user, exchange)
// credential pair. It is an external collaborator (spec §1, §6); this module
// owns only the interface and a mock implementation for tests.
type ExchangeConnector interface {
	PlaceOrder(ctx context.Context, symbol string, orderType OrderType, side OrderSide, quantity decimal.Decimal, price *decimal.Decimal, amountType AmountType) (*ExchangeEnvelope, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*ExchangeEnvelope, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAllTickers(ctx context.Context) (map[string]Ticker, error)
	GetPrecisionRules(ctx context.Context) (map[string]PrecisionRules, error)
	GetTradingFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchBalance(ctx context.Context) (total, free decimal.Decimal, err error)
	GetPositions(ctx context.Context) (map[string]decimal.Decimal, error)
	Close() error
}

// Broadcaster is the out-of-band notification sink (spec §6). All calls are
// best-effort: the core never awaits on or inspects a broadcaster's outcome
// beyond logging a failed send.
type Broadcaster interface {
	// SendEntrySignal returns a best-effort opaque correlator (e.g. a chat
	// message id) for SaveMessageID to persist; empty when the channel has
	// none to offer. The core never blocks on or validates this value.
	SendEntrySignal(ctx context.Context, group *PositionGroup) string
	SendExitSignal(ctx context.Context, group *PositionGroup)
	SendDCAFill(ctx context.Context, group *PositionGroup, order *DCAOrder)
	SendStatusChange(ctx context.Context, group *PositionGroup, from, to PositionStatus)
	SendTPHit(ctx context.Context, group *PositionGroup, order *DCAOrder)
	SendRiskEvent(ctx context.Context, action *RiskAction)
	SendFailure(ctx context.Context, component string, err error)
	SendPyramidAdded(ctx context.Context, group *PositionGroup, pyramid *Pyramid)
	SaveMessageID(ctx context.Context, group *PositionGroup, messageID string) error
}

// PositionGroupRepository is the persistence boundary for PositionGroup
// (spec §6).
type PositionGroupRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*PositionGroup, error)
	GetWithOrders(ctx context.Context, id uuid.UUID) (*PositionGroup, error)
	Create(ctx context.Context, g *PositionGroup) error
	Update(ctx context.Context, g *PositionGroup) error
	GetAllActiveByUser(ctx context.Context, userID uuid.UUID) ([]*PositionGroup, error)
	GetActivePositionGroupsForUser(ctx context.Context, userID uuid.UUID) ([]*PositionGroup, error)
	GetClosedByUserAll(ctx context.Context, userID uuid.UUID) ([]*PositionGroup, error)
	// IncrementPyramidCount atomically increments pyramid_count by one and
	// returns the new count. It does not change total_dca_legs.
	IncrementPyramidCount(ctx context.Context, groupID uuid.UUID) (int, error)
}

// PyramidRepository is the persistence boundary for Pyramid (spec §6).
type PyramidRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Pyramid, error)
	Create(ctx context.Context, p *Pyramid) error
	Update(ctx context.Context, p *Pyramid) error
}

// DCAOrderRepository is the persistence boundary for DCAOrder (spec §6).
type DCAOrderRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*DCAOrder, error)
	Create(ctx context.Context, o *DCAOrder) error
	Update(ctx context.Context, o *DCAOrder) error
	GetAllOrdersByGroupID(ctx context.Context, groupID uuid.UUID) ([]*DCAOrder, error)
	// GetAllOpenOrdersForAllUsers returns every non-terminal order, keyed by
	// the owning group's ID, for the fill monitor's per-cycle fan-out. Orders
	// are not bucketed by user: the caller loads each group to learn its user.
	GetAllOpenOrdersForAllUsers(ctx context.Context) (map[uuid.UUID][]*DCAOrder, error)
}

// QueuedSignalRepository is the persistence boundary for QueuedSignal (spec §6).
type QueuedSignalRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*QueuedSignal, error)
	Create(ctx context.Context, s *QueuedSignal) error
	Update(ctx context.Context, s *QueuedSignal) error
	GetAllActiveByUser(ctx context.Context, userID uuid.UUID) ([]*QueuedSignal, error)
}

// RiskActionRepository is the persistence boundary for RiskAction (spec §6).
// RiskAction outlives the position it references, so no cascade-delete path
// is exposed here.
type RiskActionRepository interface {
	Create(ctx context.Context, a *RiskAction) error
	GetDailyRealizedPnL(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
}

// Cache is the injected cache/Redis boundary (spec §1, §5, §9). A process-wide
// singleton is only ever wired at the composition root, never referenced from
// a package-level accessor in logic code.
type Cache interface {
	// SetNX sets key to value with ttl only if key is absent, returning
	// whether the set happened. Used for webhook dedup locks.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ILogger is the structured logging interface every long-lived component
// depends on (spec §9 design notes: injected, never a package singleton in
// logic modules).
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
