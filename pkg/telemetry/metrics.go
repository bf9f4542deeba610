package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPnLRealizedTotal    = "dcaengine_pnl_realized_total"
	MetricPnLUnrealized       = "dcaengine_pnl_unrealized"
	MetricOrdersActive        = "dcaengine_orders_active"
	MetricOrdersPlacedTotal   = "dcaengine_orders_placed_total"
	MetricOrdersFilledTotal   = "dcaengine_orders_filled_total"
	MetricVolumeTotal         = "dcaengine_volume_total"
	MetricPositionSize        = "dcaengine_position_size"
	MetricLatencyExchange     = "dcaengine_latency_exchange_ms"
	MetricFillMonitorCycleMs  = "dcaengine_fillmonitor_cycle_ms"
	MetricRiskTriggered       = "dcaengine_risk_triggered"
	MetricCircuitBreakerOpen  = "dcaengine_circuit_breaker_open"
	MetricOffsetClosesTotal   = "dcaengine_risk_offset_closes_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	PnLUnrealized      metric.Float64ObservableGauge
	OrdersActive       metric.Int64ObservableGauge
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	VolumeTotal        metric.Float64Counter
	PositionSize       metric.Float64ObservableGauge
	LatencyExchange    metric.Float64Histogram
	FillMonitorCycleMs metric.Float64Histogram
	RiskTriggered      metric.Int64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge
	OffsetClosesTotal  metric.Int64Counter

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	activeOrdersMap  map[string]int64
	positionSizeMap  map[string]float64
	riskTriggeredMap map[string]int64
	cbOpenMap        map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder, creating it on first
// use. It is called from the telemetry package itself and from
// risk.CircuitBreaker, which publishes breaker state through it.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			activeOrdersMap:  make(map[string]int64),
			positionSizeMap:  make(map[string]float64),
			riskTriggeredMap: make(map[string]int64),
			cbOpenMap:        make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss across all groups"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total DCA/TP/market orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders observed filled"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total traded volume in quote currency"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange connector calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.FillMonitorCycleMs, err = meter.Float64Histogram(MetricFillMonitorCycleMs, metric.WithDescription("Duration of one fill-monitor poll cycle"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OffsetClosesTotal, err = meter.Int64Counter(MetricOffsetClosesTotal, metric.WithDescription("Total risk-engine offset close executions"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Current unrealized PnL per position group"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for group, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("group", group)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open DCA/TP orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current total filled quantity per position group"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for group, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("group", group)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskTriggered, err = meter.Int64ObservableGauge(MetricRiskTriggered, metric.WithDescription("Risk engine paused-by-loss-limit state (1=paused, 0=active)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.riskTriggeredMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Daily-loss circuit breaker state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for user, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user", user)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetRiskTriggered(user string, triggered bool) {
	val := int64(0)
	if triggered {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskTriggeredMap[user] = val
}

func (m *MetricsHolder) SetCircuitBreakerOpen(user string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[user] = val
}

func (m *MetricsHolder) SetUnrealizedPnL(group string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[group] = value
}

func (m *MetricsHolder) SetActiveOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetPositionSize(group string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[group] = size
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}
