package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petrelhq/petrel/internal/agenttools"
	"github.com/petrelhq/petrel/internal/ai"
	"github.com/petrelhq/petrel/internal/api"
	"github.com/petrelhq/petrel/internal/budget"
	"github.com/petrelhq/petrel/internal/checkpoint"
	"github.com/petrelhq/petrel/internal/config"
	"github.com/petrelhq/petrel/internal/engine"
	"github.com/petrelhq/petrel/internal/eventbus"
	"github.com/petrelhq/petrel/internal/session"
	"github.com/petrelhq/petrel/internal/state"
	"github.com/petrelhq/petrel/internal/subagent"
	"github.com/petrelhq/petrel/internal/tools"
	"github.com/petrelhq/petrel/internal/web"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := session.NewStore(db)
	bus := eventbus.NewBus(db)
	sink := eventbus.NewSink(bus)
	ledger := budget.NewLedger(db, budget.Limits{
		MaxTokensPerSession: cfg.MaxTokensPerSession,
		MaxCostPerSession:   cfg.MaxCostPerSession,
	})

	if cfg.LLMModel == "" || cfg.LLMAPIKey == "" {
		log.Fatalf("PETREL_LLM_MODEL and PETREL_LLM_API_KEY are required")
	}
	var clientOpts []ai.Option
	if os.Getenv("PETREL_LLM_DEBUG") == "1" {
		clientOpts = append(clientOpts, ai.WithDebugger(ai.NewBusDebugger(bus, "daemon")))
	}
	client, err := ai.NewClient(ai.Config{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
	}, clientOpts...)
	if err != nil {
		log.Fatalf("llm client: %v", err)
	}

	summarizer := checkpoint.NewLLMSummarizer(client)
	checkpoints, err := checkpoint.NewManager(store, summarizer, checkpoint.Config{
		Interval:         cfg.CheckpointInterval,
		TokenThreshold:   cfg.TokenThreshold,
		KeepTail:         cfg.KeepTail,
		PressureGentleAt: cfg.PressureGentleAt,
		PressureFirmAt:   cfg.PressureFirmAt,
		PressureUrgentAt: cfg.PressureUrgentAt,
	})
	if err != nil {
		log.Fatalf("checkpoint manager: %v", err)
	}

	manager, err := subagent.NewManager(db, bus, subagent.Config{
		Capacity:  cfg.SubagentCapacity,
		SpawnWait: cfg.SubagentWait,
	})
	if err != nil {
		log.Fatalf("subagent manager: %v", err)
	}

	seed := func(ctx context.Context, sessionID string) string {
		summary, err := checkpoints.Summary(ctx, sessionID)
		if err != nil {
			return ""
		}
		return summary
	}
	registry, err := tools.NewRegistry(tools.Config{
		DefaultTimeout: cfg.ToolTimeout,
		TruncateLimit:  cfg.TruncateLimit,
		CacheCapacity:  cfg.CacheCapacity,
		CacheTTL:       cfg.CacheTTL,
		Telemetry:      tools.BusTelemetry(bus),
	},
		agenttools.EchoTool(),
		agenttools.SaveMemoryTool(store),
		agenttools.RecallMemoryTool(store),
		agenttools.SpawnSubagentTool(manager, seed),
		agenttools.AwaitSubagentTool(manager),
		agenttools.ListSubagentsTool(manager),
		agenttools.CancelSubagentTool(manager),
	)
	if err != nil {
		log.Fatalf("tool registry: %v", err)
	}

	eng, err := engine.New(engine.Config{
		MaxIterations:         cfg.MaxIterations,
		SubagentMaxIterations: cfg.SubagentMaxIterations,
		MaxCorrections:        cfg.MaxCorrections,
	}, client, registry, store, checkpoints,
		engine.WithGate(ledger),
		engine.WithSink(sink),
		engine.WithBus(bus),
	)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	manager.SetRunner(eng)

	listener, err := engine.ListenerFromEnv()
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &engine.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
	}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	apiServer := &api.Server{
		Engine:       eng,
		Sessions:     store,
		Subagents:    manager,
		Bus:          bus,
		Restart:      restartFn,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:    cfg.HTTPAddr,
			DataDir:     cfg.DataDir,
			DBPath:      cfg.DBPath,
			WebDir:      cfg.WebDir,
			LLMProvider: cfg.LLMProvider,
			LLMModel:    cfg.LLMModel,
		},
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/", webServer.Handler())

	httpServer = &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("petreld listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
