package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DCALevel is one planned leg within a DCAGridConfig, as persisted
// configuration (spec §6).
type DCALevel struct {
	GapPercent    decimal.Decimal `yaml:"gap_percent"`
	WeightPercent decimal.Decimal `yaml:"weight_percent"`
	TPPercent     decimal.Decimal `yaml:"tp_percent"`
}

// DCAGridConfig is the persisted per-user grid configuration (spec §6).
// A Pyramid snapshots the config in effect when its legs were computed, so
// later edits never retroactively change an already-placed wave.
type DCAGridConfig struct {
	EntryOrderType       OrderType          `yaml:"entry_order_type"`
	DCALevels            []DCALevel         `yaml:"dca_levels"`
	PyramidSpecificLevels map[int][]DCALevel `yaml:"pyramid_specific_levels"`
	TPMode               TPMode             `yaml:"tp_mode"`
	TPAggregatePercent   decimal.Decimal    `yaml:"tp_aggregate_percent"`
	PyramidTPPercents    map[int]decimal.Decimal `yaml:"pyramid_tp_percents"`
	MaxPyramids          int                `yaml:"max_pyramids"`
	CancelDCABeyondPercent decimal.Decimal  `yaml:"cancel_dca_beyond_percent"`
	TotalCapitalUSD      decimal.Decimal    `yaml:"total_capital_usd"`
	StaleTPThresholdHours decimal.Decimal   `yaml:"stale_tp_threshold_hours"`
	StaleTPAction        StaleTPAction      `yaml:"stale_tp_action"`
	AdjustTPForFillPrice bool               `yaml:"adjust_tp_for_fill_price"`
}

// RiskEngineConfig is the persisted per-user risk policy (spec §6, §4.4).
type RiskEngineConfig struct {
	MaxPositionsPerSymbolTimeframe int             `yaml:"max_positions_per_symbol_timeframe"`
	MaxTotalExposureUSD            decimal.Decimal `yaml:"max_total_exposure_usd"`
	MaxRealizedLossUSD             decimal.Decimal `yaml:"max_realized_loss_usd"`
	TimerStartCondition            TimerStartCondition `yaml:"timer_start_condition"`
	RequiredPyramidsForTimer       int             `yaml:"required_pyramids_for_timer"`
	PostFullWaitMinutes            int             `yaml:"post_full_wait_minutes"`
	ResetTimerOnReplacement        bool            `yaml:"reset_timer_on_replacement"`
	LossThresholdPercent           decimal.Decimal `yaml:"loss_threshold_percent"`
	MaxWinnersToCombine            int             `yaml:"max_winners_to_combine"`
	EvaluateIntervalSeconds        int             `yaml:"evaluate_interval_seconds"`
	EvaluateOnFill                 bool            `yaml:"evaluate_on_fill"`
}

// PositionGroup is one open trading position for a (user, exchange, symbol,
// timeframe, side) tuple. See spec §3.
type PositionGroup struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Exchange string
	Symbol   string
	Timeframe string
	Side     PositionSide

	BaseEntryPrice      decimal.Decimal
	WeightedAvgEntry    decimal.Decimal
	TotalInvestedUSD    decimal.Decimal
	TotalFilledQuantity decimal.Decimal
	UnrealizedPnLUSD    decimal.Decimal
	UnrealizedPnLPct    decimal.Decimal
	RealizedPnLUSD      decimal.Decimal

	TotalDCALegs  int
	FilledDCALegs int
	PyramidCount  int
	MaxPyramids   int

	TPMode             TPMode
	TPAggregatePercent decimal.Decimal

	RiskBlocked      bool
	RiskSkipOnce     bool
	RiskTimerStart   *time.Time
	RiskTimerExpires *time.Time

	Status    PositionStatus
	CreatedAt time.Time
	ClosedAt  *time.Time

	TelegramMessageID string

	Config DCAGridConfig

	Pyramids []*Pyramid
	Orders   []*DCAOrder
}

// Pyramid is a single entry wave within a PositionGroup. See spec §3.
type Pyramid struct {
	ID            uuid.UUID
	GroupID       uuid.UUID
	PyramidIndex  int
	EntryPrice    decimal.Decimal
	Status        PyramidStatus
	DCAConfig     DCAGridConfig
	CreatedAt     time.Time
}

// DCAOrder is a single leg within a pyramid. See spec §3.
type DCAOrder struct {
	ID      uuid.UUID
	GroupID uuid.UUID
	PyramidID uuid.UUID
	LegIndex  int

	Symbol    string
	Side      OrderSide
	OrderType OrderType

	Price    decimal.Decimal
	Quantity decimal.Decimal

	ExchangeOrderID string

	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Fee            decimal.Decimal
	FeeCurrency    string

	SubmittedAt *time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time

	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	TPPrice       decimal.Decimal

	TPOrderID    string
	TPHit        bool
	TPExecutedAt *time.Time

	Status DCAOrderStatus

	CreatedAt time.Time
}

// QueuedSignal is a pending inbound signal awaiting an execution slot. See
// spec §3.
type QueuedSignal struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Exchange   string
	Symbol     string
	Timeframe  string
	Side       PositionSide
	EntryPrice decimal.Decimal
	QueuedAt   time.Time
	PromotedAt *time.Time
	Status     SignalStatus
	RawPayload []byte
}

// WinnerDetail is a captured snapshot of one winning position's contribution
// to an offset close, frozen at decision time (spec §3, testable property 6).
type WinnerDetail struct {
	GroupID         uuid.UUID
	Symbol          string
	PnLUSD          decimal.Decimal
	QuantityClosed  decimal.Decimal
}

// RiskAction is an immutable audit record of a risk-engine intervention. See
// spec §3.
type RiskAction struct {
	ID            uuid.UUID
	Timestamp     time.Time
	ActionType    RiskActionType
	LoserGroupID  uuid.UUID
	LoserSymbol   string
	LoserPnLUSD   decimal.Decimal
	Winners       []WinnerDetail
	Notes         string
}

// Signal is the inbound trade signal that seeds a PositionGroup (external
// collaborator payload, decoded into this shape before reaching PositionManager).
type Signal struct {
	UserID     uuid.UUID
	Exchange   string
	Symbol     string
	Timeframe  string
	Side       PositionSide
	EntryPrice decimal.Decimal
	Raw        []byte
}

// PrecisionRules describes exchange-reported precision for a symbol (spec §6).
type PrecisionRules struct {
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Leg is one computed DCA level produced by the grid calculator (spec §4,
// component C).
type Leg struct {
	Price    decimal.Decimal
	Weight   decimal.Decimal
	Quantity decimal.Decimal
	TPPrice  decimal.Decimal
	Side     OrderSide
	Type     OrderType
}
