// Command tradengine runs the always-on algorithmic trading engine: one
// process per (account, day) owning a single Trade Manager loop, a
// Broker Adapter, and the Client Channel the external gateway drives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mtengine/tradengine/internal/apperrors"
	"github.com/mtengine/tradengine/internal/broker/registry"
	_ "github.com/mtengine/tradengine/internal/broker/simulated"
	"github.com/mtengine/tradengine/internal/clientchannel"
	"github.com/mtengine/tradengine/internal/config"
	"github.com/mtengine/tradengine/internal/logging"
	"github.com/mtengine/tradengine/internal/metrics"
	"github.com/mtengine/tradengine/internal/persistence"
	"github.com/mtengine/tradengine/internal/persistence/gormstore"
	"github.com/mtengine/tradengine/internal/persistence/memstore"
	_ "github.com/mtengine/tradengine/internal/strategy/meanreversion"
	_ "github.com/mtengine/tradengine/internal/strategy/sma"
	"github.com/mtengine/tradengine/internal/trademanager"
)

const (
	appName    = "tradengine"
	appVersion = "1.0.0"
)

func main() {
	var (
		envFile    = flag.String("env", ".env", "path to a .env file (ignored if absent)")
		brokerName = flag.String("broker", "simulated", "registered broker adapter to drive")
		devStore   = flag.Bool("dev-store", false, "use the in-memory persistence store instead of Postgres")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg, cfg.Account)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	store, err := openStore(cfg, *devStore, logger)
	if err != nil {
		logger.Fatal("failed to open persistence store", zap.Error(err))
	}

	adapter, err := registry.New(*brokerName, logger)
	if err != nil {
		logger.Fatal("failed to construct broker adapter", zap.String("broker", *brokerName), zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	mgr := trademanager.New(adapter, store, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initResult, err := adapter.Init(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeAuth) {
			logger.Fatal("broker authentication failed, refusing to open a session", zap.Error(err))
		}
		logger.Fatal("broker adapter init failed", zap.Error(err))
	}

	day := time.Now().Format("2006-01-02")
	if err := mgr.Recover(ctx, cfg.Account, day, initResult.Account, noBrokerOpenOrders()); err != nil {
		logger.Error("crash recovery failed", zap.Error(err))
	}

	cronExpr, err := cfg.DailyCleanCron()
	if err != nil {
		logger.Fatal("invalid daily clean time", zap.Error(err))
	}
	if err := mgr.ScheduleDailyCleanup(cronExpr); err != nil {
		logger.Fatal("failed to schedule daily cleanup", zap.Error(err))
	}

	go mgr.Run(ctx)

	channel := clientchannel.New(mgr, logger, clientchannel.Options{
		Port:           cfg.ClientChannel.Port,
		MaxConnections: cfg.ClientChannel.MaxConnections,
	})

	go func() {
		if err := channel.Start(ctx); err != nil {
			logger.Error("client channel stopped", zap.Error(err))
		}
	}()

	logger.Info("tradengine started",
		zap.String("version", appVersion),
		zap.String("account", cfg.Account),
		zap.String("broker", *brokerName),
		zap.Int("client_channel_port", cfg.ClientChannel.Port),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = channel.Stop()
	if err := adapter.Shutdown(shutdownCtx); err != nil {
		logger.Error("broker adapter shutdown error", zap.Error(err))
	}

	logger.Info("tradengine stopped")
}

// noBrokerOpenOrders is the reconciliation map Recover uses to resolve
// orders left SUBMITTING by a crash. A production adapter would populate
// this from a broker-side open-orders query made before Recover runs;
// the simulated adapter never crashes mid-submit, so it is empty here.
func noBrokerOpenOrders() map[string]string {
	return map[string]string{}
}

func openStore(cfg config.Config, dev bool, logger *zap.Logger) (persistence.Store, error) {
	if dev {
		logger.Warn("running with the in-memory persistence store, state will not survive a restart")
		return memstore.New(), nil
	}

	dsn := fmt.Sprintf(
		"host=%s user=postgres password=%s dbname=%s sslmode=disable",
		cfg.Database.Hostname, cfg.Database.Password, cfg.Database.Name,
	)
	return gormstore.Open(dsn, logger)
}
