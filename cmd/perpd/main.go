// perpd runs one perpetual market behind an HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/luxfi/database/manager"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/perpfi/engine/pkg/api"
	"github.com/perpfi/engine/pkg/perps"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetConfigName("perpd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/perpd")
	v.SetEnvPrefix("PERPD")
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("use_memdb", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}

	log, err := buildLogger(v.GetString("log_level"))
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg := perps.DefaultMarketConfig()
	if v.IsSet("market") {
		if err := v.UnmarshalKey("market", cfg); err != nil {
			return fmt.Errorf("parse market config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("market config: %w", err)
	}

	dataDir := v.GetString("data_dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataDir, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	if v.GetBool("use_memdb") {
		dbConfig = manager.DefaultMemoryConfig()
		log.Warn("using in-memory database, state will not persist")
	}
	db, err := dbManager.New(dbConfig)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Info("database ready", zap.String("path", filepath.Join(dataDir, "badgerdb")))

	market, err := perps.NewMarket(cfg, db, log)
	if err != nil {
		return fmt.Errorf("build market: %w", err)
	}
	log.Info("market ready", zap.String("market_id", cfg.MarketID),
		zap.String("collateral", cfg.CollateralAsset))

	hub := api.NewWSHub(log)
	go hub.Run()
	server := api.NewServer(market, hub, log)

	srv := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return cfg.Build()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".perpd"
	}
	return filepath.Join(home, ".perpd")
}
