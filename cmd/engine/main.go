// Command engine is the composition root: it loads configuration, wires the
// order/position/fillmonitor/risk components for every configured exchange,
// and runs them until a termination signal arrives (spec §0, §5).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dcaengine/internal/alert"
	"dcaengine/internal/config"
	"dcaengine/internal/core"
	"dcaengine/internal/fillmonitor"
	"dcaengine/internal/infrastructure/health"
	"dcaengine/internal/infrastructure/metrics"
	"dcaengine/internal/mock"
	"dcaengine/internal/order"
	"dcaengine/internal/position"
	"dcaengine/internal/risk"
	"dcaengine/pkg/concurrency"
	"dcaengine/pkg/logging"
	"dcaengine/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

// demoUserID stands in for a user-management / auth boundary (spec §1
// Non-goals: request auth and multi-tenant routing are external
// collaborators). Every configured exchange runs under this single user.
var demoUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	logger, logErr := logging.NewZapLogger(cfg.System.LogLevel)
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", logErr)
		os.Exit(1)
	}
	if err != nil {
		logger.Warn("falling back to default config", "error", err.Error())
	}
	logger.Info("starting engine", "config", cfg.String())

	tel, err := telemetry.Setup("dca-engine")
	if err != nil {
		logger.Fatal("telemetry setup failed", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err.Error())
		}
	}()

	healthMgr := health.NewHealthManager(logger)
	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Stop(shutdownCtx)
		}()
	}

	cache := mock.NewCache()

	groups := mock.NewPositionGroupRepository()
	pyramids := mock.NewPyramidRepository()
	orders := mock.NewDCAOrderRepository()
	riskActions := mock.NewRiskActionRepository()

	broadcaster := buildBroadcaster(cfg, logger, groups)

	fillUsers := make([]fillmonitor.UserContext, 0, len(cfg.App.ActiveExchanges))
	riskUsers := make([]risk.UserContext, 0, len(cfg.App.ActiveExchanges))

	for _, exchangeName := range cfg.App.ActiveExchanges {
		exCfg, err := cfg.GetExchangeConfig(exchangeName)
		if err != nil {
			logger.Fatal("missing exchange configuration", "exchange", exchangeName, "error", err.Error())
		}
		_ = exCfg // credential wiring to a real connector happens outside this module's scope (spec §1, §6)

		conn := mock.NewExchangeConnector()
		healthMgr.Register("exchange:"+exchangeName, func() error {
			_, err := conn.FetchFreeBalance(context.Background())
			return err
		})

		orderCfg := order.DefaultOrderConfig()
		orderCfg.MaxSlippagePercent = cfg.Engine.MaxSlippagePercent
		orderCfg.SlippageAction = cfg.Engine.SlippageAction
		orderCfg.MaxAttempts = cfg.Engine.OrderMaxAttempts
		orderCfg.MaxVerificationAttempts = cfg.Engine.CancelMaxAttempts

		orderSvc := order.NewService(conn, logger, orders, order.NewPrecisionCache(), orderCfg)
		posMgr := position.NewManager(exchangeName, conn, logger, orderSvc, groups, pyramids, orders, broadcaster)
		if err := posMgr.ReconcileOnStartup(context.Background()); err != nil {
			logger.Warn("startup reconciliation failed", "exchange", exchangeName, "error", err.Error())
		}

		fillUsers = append(fillUsers, fillmonitor.UserContext{
			UserID:   demoUserID,
			Exchange: exchangeName,
			Conn:     conn,
			OrderSvc: orderSvc,
			PosMgr:   posMgr,
		})
		riskUsers = append(riskUsers, risk.UserContext{
			UserID:       demoUserID,
			Config:       cfg.DefaultRisk,
			ExchangeName: exchangeName,
			Exchange:     conn,
			OrderSvc:     orderSvc,
			PosMgr:       posMgr,
		})
	}

	fillPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "fill-monitor",
		MaxWorkers:  cfg.Concurrency.FillMonitorPoolSize,
		MaxCapacity: cfg.Concurrency.FillMonitorPoolBuffer,
	}, logger)
	defer fillPool.Stop()

	monitor := fillmonitor.NewMonitor(logger, cache, groups, orders, fillPool,
		time.Duration(cfg.Timing.FillMonitorPollSeconds)*time.Second)
	healthMgr.Register("fill_monitor", func() error { return nil })

	riskEngine := risk.NewEngine(groups, riskActions, broadcaster, logger)
	healthMgr.Register("risk_engine", func() error { return nil })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(ctx, func(context.Context) ([]fillmonitor.UserContext, error) {
			return fillUsers, nil
		})
	})

	riskPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "risk-engine",
		MaxWorkers:  cfg.Concurrency.RiskPoolSize,
		MaxCapacity: cfg.Concurrency.RiskPoolBuffer,
	}, logger)
	defer riskPool.Stop()

	g.Go(func() error {
		return runRiskLoop(ctx, riskEngine, riskUsers, riskPool, logger,
			time.Duration(cfg.DefaultRisk.EvaluateIntervalSeconds)*time.Second)
	})

	if !healthMgr.IsHealthy() {
		logger.Warn("one or more components reported unhealthy at startup", "status", healthMgr.GetStatus())
	}

	logger.Info("engine running", "exchanges", cfg.App.ActiveExchanges)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("engine stopped with error", "error", err.Error())
	}

	logger.Info("engine shut down gracefully")
}

// runRiskLoop ticks the risk engine's per-user evaluation on a fixed
// interval, fanning each user's evaluation out to the worker pool so a slow
// user can't delay the others (spec §5, §4.4).
func runRiskLoop(ctx context.Context, engine *risk.Engine, users []risk.UserContext, pool *concurrency.WorkerPool, logger core.ILogger, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, uc := range users {
				uc := uc
				_ = pool.Submit(func() {
					if err := engine.EvaluateUser(ctx, uc); err != nil {
						logger.Error("risk evaluation failed", "user", uc.UserID, "exchange", uc.ExchangeName, "error", err.Error())
					}
				})
			}
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return config.DefaultConfig(), err
	}
	return cfg, nil
}

// buildBroadcaster wires a real AlertManager whenever at least one channel
// has credentials configured, otherwise falls back to the in-memory mock
// (spec §6: notification transport is an external collaborator this module
// does not require to run).
func buildBroadcaster(cfg *config.Config, logger core.ILogger, groups core.PositionGroupRepository) core.Broadcaster {
	manager := alert.NewAlertManager(logger)
	wired := false

	if cfg.Alerting.TelegramBotToken != "" && cfg.Alerting.TelegramChatID != "" {
		manager.AddChannel(alert.NewTelegramChannel(string(cfg.Alerting.TelegramBotToken), cfg.Alerting.TelegramChatID))
		wired = true
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		manager.AddChannel(alert.NewSlackChannel(string(cfg.Alerting.SlackWebhookURL)))
		wired = true
	}

	if !wired {
		return mock.NewBroadcaster()
	}
	return alert.NewBroadcaster(manager, groups)
}
