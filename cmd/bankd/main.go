// main.go - Banking daemon for one account identity.
//
// The daemon wires the account engine to a ledger contract node:
//   - connects to a remote contract node, or starts an embedded in-memory
//     node when no node URL is configured
//   - deploys the ledger contract (or attaches to a configured address)
//     with retry and backoff
//   - runs the state reconciler so the account view follows chain state
//   - serves health, metrics, account view, and transaction history on an
//     admin HTTP endpoint
//
// Usage:
//   bankd -config bankd.json
//
// Every contract call passes through a token-bucket rate limiter and is
// recorded in the metrics collector.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"shieldedbank/internal/bank"
	"shieldedbank/internal/contract/httpnode"
	"shieldedbank/internal/contract/memnode"
	"shieldedbank/internal/deploy"
	"shieldedbank/internal/privstate"
)

const version = "1.2.0"

func main() {
	configPath := flag.String("config", "bankd.json", "path to the configuration file")
	demo := flag.Bool("demo", false, "run the scripted two-party demo and exit")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, closeLog, err := NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *demo {
		if err := runDemo(ctx, cfg, logger); err != nil {
			logger.Error().Err(err).Msg("demo failed")
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("daemon failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger zerolog.Logger) error {
	metrics := NewMetricsCollector()
	health := NewHealthChecker(version)

	// Contract node: remote, or embedded for local operation.
	nodeURL := cfg.NodeURL
	if nodeURL == "" {
		node := memnode.New()
		srv := httpnode.NewServer(node, cfg.NodeListenAddr, logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
		nodeURL = "http://" + srv.Addr()
		logger.Info().Str("url", nodeURL).Msg("embedded contract node started")
	}
	client := httpnode.NewClient(nodeURL, logger)

	// Contract deployment with retry.
	retrier := deploy.NewRetrier(client, cfg.DeployAttempts, time.Duration(cfg.DeployBaseDelayMS)*time.Millisecond, logger)
	address := cfg.ContractAddress
	if address == "" {
		deployed, err := retrier.Deploy(ctx)
		if err != nil {
			return err
		}
		address = deployed
		logger.Info().Str("address", address).Msg("ledger contract deployed")
	} else if _, err := retrier.Lookup(ctx, address); err != nil {
		return err
	}

	store, err := privstate.NewFileStore(cfg.StateDir)
	if err != nil {
		return err
	}

	limiter := NewRateLimiter(cfg.RateLimitBurst, 1, time.Duration(cfg.RateLimitRefillMS)*time.Millisecond)
	circuits := newLimitedCircuits(client, limiter, metrics)

	engine, err := bank.New(ctx, bank.Config{
		UserID:          cfg.UserID,
		ContractAddress: address,
		Circuits:        circuits,
		Source:          client,
		Store:           store,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	engine.Start(ctx)
	defer engine.Close()

	health.RegisterComponent("contract-node", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := client.QueryState(checkCtx, address)
		return err
	})
	health.RegisterComponent("private-store", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := store.Get(checkCtx, "healthcheck")
		return err
	})

	// Feed the account view into the metrics collector.
	views, unsubscribe := engine.WatchAccount()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case view := <-views:
				metrics.RecordSnapshot()
				if view.Balance != nil {
					metrics.RecordBalance(*view.Balance)
				}
			}
		}
	}()

	admin := newAdminServer(cfg.AdminAddr, engine, health, metrics, logger)
	if err := admin.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		admin.Stop(shutdownCtx)
	}()

	logger.Info().
		Str("user", cfg.UserID).
		Str("contract", address).
		Str("admin", cfg.AdminAddr).
		Msg("bankd running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

// adminServer serves the daemon's operational endpoints.
type adminServer struct {
	addr    string
	engine  *bank.Engine
	health  *HealthChecker
	metrics *MetricsCollector
	log     zerolog.Logger
	srv     *http.Server
}

func newAdminServer(addr string, engine *bank.Engine, health *HealthChecker, metrics *MetricsCollector, log zerolog.Logger) *adminServer {
	return &adminServer{addr: addr, engine: engine, health: health, metrics: metrics, log: log}
}

func (a *adminServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/account", a.handleAccount)
	mux.HandleFunc("/history", a.handleHistory)

	a.srv = &http.Server{Addr: a.addr, Handler: mux}
	go func() {
		if err := a.srv.ListenAndServe(); err != http.ErrServerClosed {
			a.log.Error().Err(err).Msg("admin server failed")
		}
	}()
	return nil
}

func (a *adminServer) Stop(ctx context.Context) error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

func (a *adminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := a.health.CheckHealth()
	code := http.StatusOK
	if report.OverallStatus == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report, a.log)
}

func (a *adminServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.metrics.GetMetricsSummary(), a.log)
}

func (a *adminServer) handleAccount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.CurrentView(), a.log)
}

func (a *adminServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.engine.DetailedTransactionHistory(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries, a.log)
}

func writeJSON(w http.ResponseWriter, code int, v any, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("admin response write failed")
	}
}
