// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command executioncore runs the execution core server.
//
// Usage:
//
//	executioncore serve --config config.yaml
//	executioncore validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/flowcore"
	"github.com/kadirpekel/flowcore/pkg/auth"
	"github.com/kadirpekel/flowcore/pkg/cancelbus"
	"github.com/kadirpekel/flowcore/pkg/checkpoint"
	"github.com/kadirpekel/flowcore/pkg/config"
	"github.com/kadirpekel/flowcore/pkg/emitter"
	"github.com/kadirpekel/flowcore/pkg/execmetrics"
	"github.com/kadirpekel/flowcore/pkg/flows"
	"github.com/kadirpekel/flowcore/pkg/gateway"
	"github.com/kadirpekel/flowcore/pkg/graph"
	"github.com/kadirpekel/flowcore/pkg/httpapi"
	"github.com/kadirpekel/flowcore/pkg/llms"
	"github.com/kadirpekel/flowcore/pkg/logger"
	"github.com/kadirpekel/flowcore/pkg/observability"
	"github.com/kadirpekel/flowcore/pkg/ratelimit"
	"github.com/kadirpekel/flowcore/pkg/thread"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the execution core server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(flowcore.GetVersion().String())
	return nil
}

// ValidateCmd loads and validates a config file without serving.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

// ServeCmd starts the server.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}
	output := os.Stderr
	if cfg.Logger != nil && cfg.Logger.File != "" {
		file, closeLog, err := logger.OpenLogFile(cfg.Logger.File)
		if err != nil {
			return err
		}
		defer closeLog()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Providers + gateway.
	llmRegistry, err := llms.NewRegistry(ctx, cfg.LLMs)
	if err != nil {
		return err
	}
	providers := make(map[string]llms.Provider, len(cfg.LLMs))
	for name := range cfg.LLMs {
		if p, ok := llmRegistry.Get(name); ok {
			providers[name] = p
		}
	}

	// Ambient observability comes up first so the per-thread registry
	// can feed the fleet-level LLM counters.
	obs, err := observability.NewFromConfig(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	var metricOpts []execmetrics.Option
	if exporter := obs.Metrics(); exporter != nil {
		metricOpts = append(metricOpts, execmetrics.WithExporter(exporter))
	}
	metrics := execmetrics.New(metricOpts...)

	// Each pool is sized from its model's permits; the analyst and
	// consult pools fall back to the graph-level concurrency bounds,
	// the agent pool stays unbounded unless its model sets permits.
	poolSize := func(model string, fallback int) int {
		if llmCfg, ok := cfg.LLMs[model]; ok && llmCfg != nil && llmCfg.Permits > 0 {
			return llmCfg.Permits
		}
		return fallback
	}
	gw := gateway.New(providers, cfg.LLMs, map[gateway.Pool]int{
		gateway.PoolAnalyst: poolSize(cfg.Flows.AnalystModel, cfg.Graph.ReportLLMConcurrency),
		gateway.PoolConsult: poolSize(cfg.Flows.EditorModel, cfg.Graph.ReportConsultLLMConcurrency),
		gateway.PoolAgent:   poolSize(cfg.Flows.ChatModel, 0),
	}, gateway.DefaultRetryConfig(), metrics)

	pool := config.NewDBPool()

	// Persistence: the "default" database backs checkpoints and
	// threads when configured; otherwise everything stays in memory.
	checkpoints := checkpoint.NewInMemory()
	threads := thread.NewInMemory()
	if dbCfg, ok := cfg.Databases["default"]; ok && dbCfg != nil {
		db, err := pool.Get(dbCfg)
		if err != nil {
			return err
		}
		if err := checkpoint.EnsureSchema(ctx, db); err != nil {
			return err
		}
		if err := thread.EnsureSchema(ctx, db); err != nil {
			return err
		}
		checkpoints = checkpoint.NewSQL(db)
		threads = thread.NewSQL(db)
		log.Info("using SQL persistence", "driver", dbCfg.Driver)
	}

	// Flows.
	procedures := flows.NewProcedureTable()
	if cfg.Flows.ProceduresFile != "" {
		procedures, err = flows.LoadProcedureTableXLSX(cfg.Flows.ProceduresFile)
		if err != nil {
			return err
		}
		log.Info("loaded procedure table", "path", cfg.Flows.ProceduresFile, "records", len(procedures.All()))
	}

	flowCfg := flows.Config{
		ChatModel:          cfg.Flows.ChatModel,
		AnalystModel:       cfg.Flows.AnalystModel,
		EditorModel:        cfg.Flows.EditorModel,
		KnowledgeBase:      cfg.Flows.KnowledgeBase,
		MaxParallelWorkers: cfg.Graph.MaxParallelWorkers,
		AnalystMaxRetries:  cfg.Graph.AnalystMaxRetries,
		RecursionLimit:     cfg.Graph.RecursionLimit,
		AnalystTimeout:     time.Duration(cfg.Graph.AnalystTimeoutSeconds) * time.Second,
	}
	flowCfg.SetDefaults()

	regelgeving := flows.DefaultRegelgevingTable()

	buildChatTools := func() *flows.ToolRegistry {
		reg := flows.NewToolRegistry()
		reg.MustRegister(flows.NewProcedureTool(procedures))
		reg.MustRegister(flows.NewRegelgevingTool(regelgeving))
		reg.MustRegister(flows.NewKnowledgeSearchTool(flowCfg.VectorStore, flowCfg.KnowledgeBase, flows.HashEmbedder(256)))
		return reg
	}

	buildReport := func(analystModel string) (*graph.Compiled, error) {
		fc := flowCfg
		if analystModel != "" {
			if _, ok := providers[analystModel]; !ok {
				return nil, fmt.Errorf("unknown model %q", analystModel)
			}
			fc.AnalystModel = analystModel
		}

		chatDeps := &flows.Deps{Gateway: gw, Config: fc, ChatTools: buildChatTools(), Metrics: metrics}
		chatGraph, err := flows.BuildChatGraph(chatDeps)
		if err != nil {
			return nil, err
		}

		analystTools := flows.NewToolRegistry()
		analystTools.MustRegister(flows.NewConsultTool(flows.BuildConsultFunc(chatGraph)))
		analystTools.MustRegister(flows.NewProcedureTool(procedures))
		analystTools.MustRegister(flows.NewRegelgevingTool(regelgeving))

		reportDeps := &flows.Deps{Gateway: gw, Config: fc, AnalystTools: analystTools, Metrics: metrics}
		return flows.BuildReportGraph(reportDeps)
	}

	chatDeps := &flows.Deps{Gateway: gw, Config: flowCfg, ChatTools: buildChatTools(), Metrics: metrics}
	chatGraph, err := flows.BuildChatGraph(chatDeps)
	if err != nil {
		return err
	}
	reportGraph, err := buildReport("")
	if err != nil {
		return err
	}

	// Auth.
	var validator httpapi.TokenValidator
	var authorizer *auth.Authorizer
	if cfg.Auth.Enabled {
		jwtValidator, err := auth.NewJWTValidator(cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return err
		}
		defer jwtValidator.Close()
		validator = jwtValidator

		authorizer, err = auth.LoadAuthorizer(cfg.Auth.GrantsFile)
		if err != nil {
			return err
		}
	} else {
		log.Warn("authentication is disabled; all requests run as the anonymous principal")
	}

	limiter, err := ratelimit.FromConfig(ctx, cfg, pool)
	if err != nil {
		return err
	}

	emitterCfg := emitter.DefaultConfig()
	emitterCfg.SnapshotThrottle = secondsToDuration(cfg.Graph.SnapshotThrottleSeconds)
	emitterCfg.LongRunningThreshold = secondsToDuration(cfg.Graph.LongRunningTaskThresholdSeconds)
	emitterCfg.ReportKeepalive = secondsToDuration(cfg.Graph.ReportKeepaliveSeconds)

	srv, err := httpapi.New(httpapi.Options{
		Server:           cfg.Server,
		Auth:             *cfg.Auth,
		ChatGraph:        chatGraph,
		ReportGraph:      reportGraph,
		BuildReportGraph: buildReport,
		Checkpoints:      checkpoints,
		Threads:          threads,
		Cancel:           cancelbus.New(),
		Metrics:          metrics,
		EmitterCfg:       emitterCfg,
		Validator:        validator,
		Authorizer:       authorizer,
		Procedures:       procedures,
		DocxTemplate:     cfg.Flows.DocxTemplate,
		MetricsHandler:   obs.MetricsHandler(),
		RateLimiter:      limiter,
		Tracer:           obs.Tracer(),
		HTTPMetrics:      obs.Metrics(),
		Logger:           log,
	})
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("executioncore"),
		kong.Description("Checkpointed LLM agent orchestration server."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
