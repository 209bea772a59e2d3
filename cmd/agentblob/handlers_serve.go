package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/SimonBear03/agent-blob/internal/audit"
	"github.com/SimonBear03/agent-blob/internal/config"
	"github.com/SimonBear03/agent-blob/internal/eventlog"
	"github.com/SimonBear03/agent-blob/internal/gateway"
	"github.com/SimonBear03/agent-blob/internal/memory"
	"github.com/SimonBear03/agent-blob/internal/memory/embeddings"
	"github.com/SimonBear03/agent-blob/internal/policy"
	"github.com/SimonBear03/agent-blob/internal/runtime"
	"github.com/SimonBear03/agent-blob/internal/scheduler"
	"github.com/SimonBear03/agent-blob/internal/tasks"
	"github.com/SimonBear03/agent-blob/internal/worker"
	"github.com/SimonBear03/agent-blob/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// executorHandle lets the worker manager hold a runtime.Executor-shaped
// value before the real Executor exists. worker.New needs an Executor at
// construction, but the Executor itself needs the worker-delegate tool
// registered (which needs the Manager) — the same construction-order
// knot gateway.Server/runtime.Executor resolve with SetExecutor, applied
// here via a forwarding handle instead of a setter, since worker.Manager
// has no such seam.
type executorHandle struct {
	executor *runtime.Executor
}

func (h *executorHandle) Execute(ctx context.Context, run *models.Run) (models.RunState, error) {
	if h.executor == nil {
		return models.RunStateFailed, fmt.Errorf("executor not yet bound")
	}
	return h.executor.Execute(ctx, run)
}

// runServe loads configuration and brings up every component: the event
// log, the policy broker, the memory service, the worker manager, the
// scheduler, the run executor, and finally the gateway's WS/HTTP listener.
// Shutdown on SIGINT/SIGTERM is graceful, mirroring the teacher's
// runServe: stop accepting new work, let in-flight runs continue, then
// close storage.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()
	logger.Info("starting agent blob", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Logs.Dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Memory.Dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	schedulerDir := filepath.Join(filepath.Dir(cfg.Logs.Dir), "scheduler")
	if err := os.MkdirAll(schedulerDir, 0o755); err != nil {
		return fmt.Errorf("create scheduler dir: %w", err)
	}

	log, err := eventlog.Open(eventlog.Config{
		Dir:          cfg.Logs.Dir,
		MaxBytes:     cfg.Logs.EventLog.MaxBytes,
		KeepDays:     cfg.Logs.EventLog.KeepDays,
		KeepMaxFiles: cfg.Logs.EventLog.KeepMaxFiles,
	}, logger.With("component", "eventlog"))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer log.Close()

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled: true,
		Level:   audit.LevelInfo,
		Format:  audit.FormatJSON,
		Output:  "stderr",
	})
	if err != nil {
		return fmt.Errorf("open audit logger: %w", err)
	}
	defer auditLogger.Close()

	table, err := buildPolicyTable(cfg.Permissions)
	if err != nil {
		return fmt.Errorf("build policy table: %w", err)
	}
	broker := policy.NewBroker(table, policy.NewMemoryStore(), auditLogger)

	watcher := config.NewWatcher(configPath, logger.With("component", "config-watch"))
	if err := watcher.Start(ctx, func(newCfg *config.Config) {
		newTable, err := buildPolicyTable(newCfg.Permissions)
		if err != nil {
			logger.Warn("reloaded config has an invalid permissions table, keeping previous", "error", err)
			return
		}
		broker.SetTable(newTable)
	}); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	memStore, err := memory.OpenStore(filepath.Join(cfg.Memory.Dir, "memory.db"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	memoryMgr := memory.NewManager(memStore, embeddings.NewLocal(64), log, memory.Config{
		ImportanceMin: cfg.Memory.ImportanceMin,
		SimThreshold:  cfg.Memory.SimThreshold,
		Retrieval: memory.RetrievalConfig{
			StructuredLimit: cfg.Memory.Retrieval.StructuredLimit,
			VectorScanLimit: cfg.Memory.Retrieval.VectorScanLimit,
			TopK:            cfg.Memory.Retrieval.TopK,
			Alpha:           cfg.Memory.Retrieval.Alpha,
			Beta:            cfg.Memory.Retrieval.Beta,
		},
		EmbeddingsBatch:  cfg.Memory.Embeddings.BatchSize,
		MaxInflightEmbed: 4,
	}, logger.With("component", "memory"))
	defer memoryMgr.Close()

	handle := &executorHandle{}
	workerMgr := worker.New(handle, log, worker.Config{MaxDepth: 10, Retain: 100}, logger.With("component", "worker"))

	schedStore := scheduler.OpenStore(filepath.Join(schedulerDir, "schedules.json"))
	sched := scheduler.New(nil, schedStore, logger.With("component", "scheduler"))

	reg := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(reg)

	gwCfg := gateway.Config{SessionQueueCap: cfg.Gateway.SessionQueueCap, ReplayWindow: cfg.Gateway.ReplayWindow}
	gatewaySrv := gateway.New(sched, broker, memoryMgr, workerMgr, metrics, gwCfg, logger.With("component", "gateway"))
	sched.SetAdmitter(gatewaySrv)
	memoryMgr.SetEventSink(gatewaySrv)

	tracker := tasks.NewTracker(gatewaySrv, cfg.Tasks.KeepDoneMax)

	registry := runtime.NewRegistry(worker.NewDelegateTool(workerMgr))
	executor := runtime.New(log, broker, memoryMgr, registry, unconfiguredProvider{}, tracker, auditLogger, runtime.Config{
		Prompts: runtime.PromptConfig{
			IncludeMemory:     cfg.Prompts.IncludeMemory,
			IncludeSkills:     cfg.Prompts.IncludeSkills,
			IncludeTools:      cfg.Prompts.IncludeTools,
			ExtraInstructions: cfg.Prompts.ExtraInstructions,
		},
		RecentWindow:  cfg.Memory.Retrieval.RecentTurnsLimit,
		RelatedWindow: cfg.Memory.Retrieval.RelatedTurnsLimit,
		ToolTimeout:   cfg.Tools.PerCallTimeout,
		MaxRounds:     25,
	}, logger.With("component", "executor"))
	handle.executor = executor
	gatewaySrv.SetExecutor(executor)

	if err := sched.Load(ctx); err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go runEmbeddingMaintenance(maintCtx, memoryMgr, cfg.Supervisor.MaintenanceIntervalSeconds, logger)

	wsHandler := gateway.NewWSHandler(gatewaySrv)
	httpSrv := gateway.NewHTTPServer(gatewaySrv, wsHandler, reg, cfg.Gateway.ListenAddr, logger)
	if err := httpSrv.Start(); err != nil {
		return fmt.Errorf("start gateway listener: %w", err)
	}
	logger.Info("agent blob listening", "addr", cfg.Gateway.ListenAddr)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Stop(shutdownCtx)
	return nil
}

// runEmbeddingMaintenance periodically drains the memory manager's
// embedding backlog, stopping when ctx is cancelled. Grounded on spec
// §6's supervisor.maintenance_interval_s option; the manager exposes the
// batch step only, the loop driving it lives at the wiring layer.
func runEmbeddingMaintenance(ctx context.Context, mgr *memory.Manager, intervalSeconds int, logger *slog.Logger) {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := mgr.MaintainEmbeddings(ctx)
			if err != nil {
				logger.Warn("embedding maintenance step failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("embedding maintenance step", "embedded", n)
			}
		}
	}
}

// buildPolicyTable translates the YAML-facing config.PermissionsConfig
// into policy.Table, compiling each rule's optional argument pattern.
func buildPolicyTable(cfg config.PermissionsConfig) (policy.Table, error) {
	compile := func(rules []config.RuleConfig) ([]policy.Rule, error) {
		out := make([]policy.Rule, 0, len(rules))
		for _, r := range rules {
			rule := policy.Rule{Capability: r.Capability}
			if r.ArgPattern != "" {
				re, err := regexp.Compile(r.ArgPattern)
				if err != nil {
					return nil, fmt.Errorf("compile arg_pattern %q: %w", r.ArgPattern, err)
				}
				rule.ArgPattern = re
			}
			out = append(out, rule)
		}
		return out, nil
	}

	allow, err := compile(cfg.Allow)
	if err != nil {
		return policy.Table{}, err
	}
	ask, err := compile(cfg.Ask)
	if err != nil {
		return policy.Table{}, err
	}
	deny, err := compile(cfg.Deny)
	if err != nil {
		return policy.Table{}, err
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return policy.Table{Allow: allow, Ask: ask, Deny: deny, MaxAge: maxAge}, nil
}
