// Command marketctl is the control plane's composition-root daemon: it
// loads configuration, opens the event log and relational store, builds
// every domain component, and serves the admin HTTP surface until
// terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rsmolarz/marketctl/internal/admin"
	"github.com/rsmolarz/marketctl/internal/config"
	"github.com/rsmolarz/marketctl/internal/controlplane"
	"github.com/rsmolarz/marketctl/internal/eventlog"
	"github.com/rsmolarz/marketctl/internal/observ"
	"github.com/rsmolarz/marketctl/internal/priceseries"
	"github.com/rsmolarz/marketctl/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the control plane's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if err := observ.Init(cfg.Logging.Level, cfg.Logging.JSON); err != nil {
		panic(err)
	}
	defer observ.Sync()
	logger := observ.L()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer db.Close()

	events, err := eventlog.Open(cfg.EventLog.Path)
	if err != nil {
		logger.Fatal("open event log", zap.Error(err))
	}

	cp := controlplane.New(controlplane.Deps{
		Config:      cfg,
		Logger:      logger,
		Store:       db,
		Events:      events,
		PriceSource: priceseries.NewMemorySource(),
	})

	adminServer := admin.NewServer(cfg.Admin, cp, logger)
	cp.SetBroadcaster(adminServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cp.Start(ctx)

	go func() {
		if err := adminServer.Start(); err != nil {
			logger.Warn("admin server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = adminServer.Stop(shutdownCtx)
	cp.Shutdown(10 * time.Second)
}
