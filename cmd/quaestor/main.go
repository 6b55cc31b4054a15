// Quaestor daemon — durable queues, broadcast pipeline, approvals,
// event push, and the MCP agent surface, all behind one ops endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/approval"
	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/chain"
	"github.com/quaestorhq/quaestor/internal/chain/evm"
	"github.com/quaestorhq/quaestor/internal/config"
	"github.com/quaestorhq/quaestor/internal/coordinator"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/mcpserver"
	"github.com/quaestorhq/quaestor/internal/notify"
	"github.com/quaestorhq/quaestor/internal/planner"
	"github.com/quaestorhq/quaestor/internal/push"
	"github.com/quaestorhq/quaestor/internal/queue"
	"github.com/quaestorhq/quaestor/internal/ratelimit"
	"github.com/quaestorhq/quaestor/internal/risk"
	"github.com/quaestorhq/quaestor/internal/store"
	"github.com/quaestorhq/quaestor/internal/telemetry"
	"github.com/quaestorhq/quaestor/internal/workers"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	auditRingSize  = 2048
	auditKeep      = 30 * 24 * time.Hour
	reconcileEvery = time.Minute
	planStepPoll   = 2 * time.Second
	shutdownGrace  = 15 * time.Second
	retentionEvery = time.Hour
	rateLimitPrune = 10 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	// ── Stores ───────────────────────────────────────────────
	jobStore, err := queue.NewStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		logger.Fatal("open job store", zap.Error(err))
	}
	defer jobStore.Close()

	txs, err := store.NewStore(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		logger.Fatal("open ledger", zap.Error(err))
	}
	defer txs.Close()

	apStore, err := approval.NewStore(filepath.Join(cfg.DataDir, "approvals.db"))
	if err != nil {
		logger.Fatal("open approval store", zap.Error(err))
	}
	defer apStore.Close()

	// Audit: ring buffer for fast queries, SQLite write-through for history.
	auditLog := audit.NewLog(auditRingSize)
	auditStore, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"), logger.Named("audit"))
	if err != nil {
		logger.Warn("audit trail will be in-memory only", zap.Error(err))
		auditStore = nil
	} else {
		auditStore.Attach(auditLog)
		auditStore.StartRetention(ctx.Done(), retentionEvery, auditKeep)
		defer auditStore.Close()
	}

	// ── Chains ───────────────────────────────────────────────
	var signer *evm.Signer
	if cfg.HasSigner() {
		signer, err = newSigner(cfg.Signer)
		if err != nil {
			logger.Fatal("load signer", zap.Error(err))
		}
		logger.Info("signer loaded", zap.String("address", signer.Address()))
	} else {
		logger.Warn("no signer configured, transactions cannot be signed")
	}

	chains := chain.NewRegistry()
	for _, cc := range cfg.Chains {
		rpcURL := cc.RPCURL
		if override, ok := cfg.RPCOverride(cc.ChainID); ok {
			rpcURL = override
		}
		adapter, err := evm.Dial(ctx, cc.ChainID, rpcURL, signer, logger.Named("chain"))
		if err != nil {
			logger.Warn("chain unavailable",
				zap.Int64("chain_id", cc.ChainID),
				zap.String("name", cc.Name),
				zap.Error(err))
			continue
		}
		chains.Register(adapter)
		defer adapter.Close()
		logger.Info("chain registered", zap.Int64("chain_id", cc.ChainID), zap.String("name", cc.Name))
	}

	// ── Core services ────────────────────────────────────────
	bus := events.NewBus(cfg.Push.Buffer)

	approvalTTL := config.Duration(cfg.Approvals.TTL, time.Hour)
	approvals := approval.NewManager(apStore, txs, bus, auditLog, approvalTTL, nil, logger.Named("approval"))
	approvals.StartSweeper(ctx, config.Duration(cfg.Approvals.SweepInterval, time.Minute))

	coord := coordinator.New(jobStore, bus, auditLog, logger.Named("queue"))

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		PerMinute: cfg.RateLimit.SubmitPerMinute,
		Burst:     cfg.RateLimit.SubmitBurst,
	})
	go pruneLoop(ctx, limiter)

	thresholds := risk.Thresholds{
		Approval: cfg.Risk.ApprovalThreshold,
		Block:    cfg.Risk.MaxScore,
	}
	submitter := workers.NewSubmitter(txs, approvals, coord, bus, auditLog, thresholds, limiter, logger.Named("submit"))

	policy := workers.BroadcastPolicy{
		MaxAttempts:     cfg.Broadcast.MaxAttempts,
		BackoffBase:     config.Duration(cfg.Broadcast.BackoffBase, 2*time.Second),
		ReceiptInterval: config.Duration(cfg.Broadcast.ReceiptInterval, 3*time.Second),
		ReceiptTimeout:  config.Duration(cfg.Broadcast.ReceiptTimeout, 2*time.Minute),
	}
	txWorker := workers.NewTransactionWorker(txs, chains, bus, auditLog, policy, logger.Named("broadcast"))
	planWorker := workers.NewPlanWorker(txs, submitter, bus, auditLog, planStepPoll, logger.Named("plan"))
	simWorker := workers.NewSimulationWorker(txs, chains, bus, logger.Named("simulate"))

	router := notify.NewRouter(auditLog, logger.Named("notify"))
	if cfg.Notify.Email.Host != "" {
		router.Register(notify.NewEmailChannel(cfg.Notify.Email))
	}
	if cfg.Notify.WebhookURL != "" {
		router.Register(notify.NewWebhookChannel(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.PushURL != "" {
		router.Register(notify.NewPushChannel(cfg.Notify.PushURL, cfg.Notify.PushToken))
	}
	inbox, err := notify.NewInAppChannel(filepath.Join(cfg.DataDir, "inbox.db"), bus)
	if err != nil {
		logger.Warn("in-app inbox unavailable", zap.Error(err))
	} else {
		router.Register(inbox)
		defer inbox.Close()
	}
	notifyWorker := workers.NewNotificationWorker(router, logger.Named("notify"))

	register := func(name string, handler coordinator.Handler, qc config.QueueConfig) {
		if err := coord.RegisterWorker(name, handler, qc.Concurrency, queueDefaults(qc)); err != nil {
			logger.Fatal("register worker", zap.String("queue", name), zap.Error(err))
		}
	}
	register(workers.QueuePlan, planWorker.Handle, cfg.Queues.Plan)
	register(workers.QueueTransaction, txWorker.Handle, cfg.Queues.Transaction)
	register(workers.QueueSimulation, simWorker.Handle, cfg.Queues.Simulation)
	register(workers.QueueNotification, notifyWorker.Handle, cfg.Queues.Notification)

	coord.Start(ctx)

	reconciler := workers.NewReconciler(txs, chains, bus, auditLog, logger.Named("reconcile"))
	reconciler.Start(ctx, reconcileEvery)

	hub := push.NewHub(bus,
		config.Duration(cfg.Push.PingInterval, 30*time.Second),
		config.Duration(cfg.Push.LivenessTimeout, time.Minute),
		logger.Named("push"))
	hub.StartReaper(ctx, 0)

	var plannerProvider planner.Provider
	if cfg.HasPlanner() {
		plannerProvider = planner.NewOpenAIProvider(planner.ProviderConfig{
			Name:    cfg.Planner.Provider,
			BaseURL: cfg.Planner.BaseURL,
			APIKey:  cfg.Planner.APIKey,
			Model:   cfg.Planner.Model,
		}, logger.Named("planner"))
		logger.Info("planner enabled", zap.String("provider", cfg.Planner.Provider), zap.String("model", cfg.Planner.Model))
	}

	mcpserver.Version = version
	mcpSrv := mcpserver.New(submitter, txs, approvals, coord, auditLog, auditStore, plannerProvider, logger)

	// ── Ops endpoint ─────────────────────────────────────────
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": version, "commit": commit, "date": date,
		})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/events", hub.HandleEvents)
	mux.Handle("/mcp", mcpSrv.Handler())
	mux.Handle("/mcp/", mcpSrv.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("quaestor started",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Int64s("chains", chains.ChainIDs()),
		zap.Bool("audit_persistent", auditStore != nil),
		zap.Bool("planner", plannerProvider != nil),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	// Stop accepting work, let in-flight jobs finish, then close the
	// push connections and the HTTP listener.
	coord.Shutdown(shutdownGrace)
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func newSigner(sc config.SignerConfig) (*evm.Signer, error) {
	if sc.KeyHex != "" {
		return evm.NewSignerFromHex(sc.KeyHex)
	}
	return evm.NewSignerFromKeystore(sc.KeystorePath, sc.KeystorePassphrase)
}

func queueDefaults(qc config.QueueConfig) coordinator.QueueDefaults {
	backoff := queue.BackoffExponential
	if qc.Backoff == "fixed" {
		backoff = queue.BackoffFixed
	}
	return coordinator.QueueDefaults{
		MaxAttempts:   qc.MaxAttempts,
		Backoff:       backoff,
		BackoffBase:   config.Duration(qc.BackoffBase, 0),
		KeepCompleted: qc.KeepCompleted,
		KeepFailed:    qc.KeepFailed,
	}
}

func pruneLoop(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(rateLimitPrune)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
		}
	}
}
