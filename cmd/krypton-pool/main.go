// Krypton Pool - mining pool for the KN hash family
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/krypton-pool/krypton-pool/internal/api"
	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/master"
	"github.com/krypton-pool/krypton-pool/internal/newrelic"
	"github.com/krypton-pool/krypton-pool/internal/profiling"
	"github.com/krypton-pool/krypton-pool/internal/sqlstore"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Krypton Pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("Krypton Pool v%s starting", version)

	store, err := ledger.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	var sql *sqlstore.Store
	if cfg.Postgres.Enabled {
		sql, err = sqlstore.Open(cfg.Postgres.DSN)
		if err != nil {
			util.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer sql.Close()
	} else {
		util.Warn("Postgres disabled: balances and payment history are not persisted")
	}

	apm := newrelic.NewAgent(&cfg.NewRelic)
	if err := apm.Start(); err != nil {
		util.Warnf("New Relic agent failed to start: %v", err)
	}

	prof := profiling.NewServer(&cfg.Profiling)
	if err := prof.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	pool, err := master.NewMaster(cfg, store, sql, apm)
	if err != nil {
		util.Fatalf("Failed to build pool: %v", err)
	}
	if err := pool.Start(); err != nil {
		util.Fatalf("Failed to start pool: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, store, sql)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool started successfully. Press Ctrl+C to stop.")
	<-sigChan
	util.Info("Shutting down...")

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			util.Warnf("API server shutdown: %v", err)
		}
	}
	pool.Stop()
	if err := prof.Stop(); err != nil {
		util.Warnf("Profiling server shutdown: %v", err)
	}
	apm.Stop()

	util.Info("Pool stopped")
}
