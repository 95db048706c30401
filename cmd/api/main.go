// Command api runs the export service: the bearer-protected HTTP API that
// streams XLSX reports out of PostgreSQL.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/exportworks/excel-export/internal/api"
	"github.com/exportworks/excel-export/internal/config"
	"github.com/exportworks/excel-export/internal/db"
	"github.com/exportworks/excel-export/internal/export"
	"github.com/exportworks/excel-export/internal/logging"
	"github.com/exportworks/excel-export/internal/stats"
	"github.com/exportworks/excel-export/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.Parse()

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyLogSettings(cfg)

	manager := db.NewManager(cfg.Database)
	streamer := db.NewStreamer(manager, cfg.Database.QueryTimeout.Std())

	recorder, err := stats.NewRecorder(cfg.StatsPath)
	if err != nil {
		log.Fatalf("failed to open stats store: %v", err)
	}

	server, err := api.NewServer(cfg, export.StreamerFunc(
		func(ctx context.Context, rowCount int) (export.RowSource, error) {
			return streamer.Stream(ctx, rowCount)
		}), recorder)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if w, err := watcher.NewWatcher(configPath, func(next *config.Config) {
		applyLogSettings(next)
		server.UpdateConfig(next)
	}); err == nil {
		if err := w.Start(watchCtx); err == nil {
			defer func() { _ = w.Stop() }()
		}
	} else {
		log.Warnf("config watcher disabled: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}
	if err := manager.GracefulShutdown(cfg.Database.DrainTimeout.Std()); err != nil {
		log.Errorf("pool shutdown: %v", err)
	}
	if err := recorder.Close(); err != nil {
		log.Errorf("stats shutdown: %v", err)
	}
	log.Info("export API stopped")
}

func applyLogSettings(cfg *config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Errorf("failed to configure log output: %v", err)
	}
}
