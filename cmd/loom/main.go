// Command loom runs the content-generation orchestrator: a long-lived
// control server, or a single workflow execution for scripting.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/artifact"
	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/engine"
	"github.com/loomhq/loom/event"
	"github.com/loomhq/loom/job"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/llm/anthropic"
	"github.com/loomhq/loom/llm/google"
	"github.com/loomhq/loom/llm/openai"
	"github.com/loomhq/loom/server"
	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/template"
	"github.com/loomhq/loom/vector"
)

// Exit codes for the embedded driver.
const (
	exitOK            = 0
	exitUsage         = 2
	exitNoTemplate    = 3
	exitInvalidInputs = 4
	exitJobFailed     = 5
	exitCancelled     = 6
)

type cli struct {
	Serve serveCmd `cmd:"" help:"Run the control server."`
	Run   runCmd   `cmd:"" help:"Execute one workflow to completion and print its context."`
}

type serveCmd struct {
	Addr string `help:"Listen address (overrides LOOM_ADDR)."`
}

type runCmd struct {
	Workflow    string            `arg:"" help:"Workflow template id."`
	Input       map[string]string `short:"i" help:"Entry inputs as key=value pairs."`
	Concurrency int               `help:"Per-job concurrency cap override."`
	Timeout     time.Duration     `default:"30m" help:"Abort the run after this long."`
}

type app struct {
	cfg       *config.Config
	log       *slog.Logger
	agents    *agent.Registry
	templates *template.Registry
	bus       *event.Bus
	manager   *job.Manager
	stream    *stream.Gateway
	store     checkpoint.Store[*engine.Context]
	artifacts *artifact.FileSink
	registry  *prometheus.Registry
}

func main() {
	_ = godotenv.Load()

	var c cli
	parser, err := kong.New(&c, kong.Name("loom"),
		kong.Description("DAG workflow orchestrator for content generation."))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	a, err := buildApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch kctx.Command() {
	case "serve":
		os.Exit(a.serve(c.Serve))
	default:
		os.Exit(a.runOnce(c.Run))
	}
}

func buildApp(cfg *config.Config) (*app, error) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	agents := agent.NewRegistry()
	if _, err := os.Stat(cfg.AgentCatalog); err == nil {
		if err := agents.LoadFile(cfg.AgentCatalog); err != nil {
			return nil, err
		}
	}
	templates := template.NewRegistry(agents)
	if _, err := os.Stat(cfg.TemplateDir); err == nil {
		if err := templates.LoadDir(cfg.TemplateDir); err != nil {
			return nil, err
		}
	}

	gateway, err := buildGateway(cfg)
	if err != nil {
		return nil, err
	}
	store, err := buildCheckpointStore(cfg)
	if err != nil {
		return nil, err
	}
	artifacts, err := artifact.NewFileSink(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	vectorStore, err := vector.NewChromemStore(cfg.VectorEndpoint, nil)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus(cfg.EventBuffer)
	registry := prometheus.NewRegistry()
	metrics := engine.NewMetrics(registry)

	snap, err := config.LoadSnapshot(cfg.SnapshotFile)
	if err != nil {
		return nil, err
	}

	manager := job.NewManager(job.Config{
		Templates:   templates,
		Agents:      agents,
		Gateway:     gateway,
		Checkpoints: store,
		Bus:         bus,
		Vector:      vectorStore,
		Artifacts:   artifacts,
		Metrics:     metrics,
		Engine:      engine.Options{MaxConcurrency: cfg.MaxConcurrency},
		Snapshot: job.Snapshot{
			Tone:           snap.Tone,
			Perf:           snap.Perf,
			TemplateConfig: snap.TemplateConfig,
		},
	})

	a := &app{
		cfg:       cfg,
		log:       log,
		agents:    agents,
		templates: templates,
		bus:       bus,
		manager:   manager,
		stream:    stream.NewGateway(bus, cfg.ReplayRing),
		store:     store,
		artifacts: artifacts,
		registry:  registry,
	}
	a.bindBuiltins(gateway)
	return a, nil
}

func buildGateway(cfg *config.Config) (*llm.Gateway, error) {
	var providers []llm.ProviderConfig
	add := func(p llm.Provider, err error) error {
		if err != nil {
			return err
		}
		providers = append(providers, llm.ProviderConfig{
			Provider:          p,
			RequestsPerMinute: cfg.ProviderRPM,
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
		})
		return nil
	}
	if cfg.AnthropicKey != "" {
		if err := add(anthropic.New(cfg.AnthropicKey, nil)); err != nil {
			return nil, err
		}
	}
	if cfg.OpenAIKey != "" {
		if err := add(openai.New(cfg.OpenAIKey, nil)); err != nil {
			return nil, err
		}
	}
	if cfg.GoogleKey != "" {
		if err := add(google.New(cfg.GoogleKey, nil)); err != nil {
			return nil, err
		}
	}
	if len(providers) == 0 {
		// No keys configured: keep the binary usable offline.
		providers = append(providers, llm.ProviderConfig{
			Provider:          &llm.MockProvider{ProviderName: "local"},
			RequestsPerMinute: 6000,
		})
	}
	return llm.NewGateway(llm.GatewayConfig{Providers: providers, CacheTTL: cfg.LLMCacheTTL})
}

func buildCheckpointStore(cfg *config.Config) (checkpoint.Store[*engine.Context], error) {
	switch {
	case strings.HasPrefix(cfg.CheckpointDSN, "sqlite:"):
		return checkpoint.NewSQLiteStore[*engine.Context](strings.TrimPrefix(cfg.CheckpointDSN, "sqlite:"))
	case strings.HasPrefix(cfg.CheckpointDSN, "mysql:"):
		return checkpoint.NewMySQLStore[*engine.Context](strings.TrimPrefix(cfg.CheckpointDSN, "mysql:"))
	default:
		return checkpoint.NewFileStore[*engine.Context](cfg.CheckpointDir)
	}
}

// bindBuiltins attaches handlers for the stock demo agents. Catalog entries
// without a bound handler fail their jobs with unknown_agent, which is the
// correct surfacing for a deployment that forgot to link its agent set.
func (a *app) bindBuiltins(gateway *llm.Gateway) {
	for _, def := range a.agents.List() {
		switch def.ID {
		case "echo":
			_ = a.agents.Bind(def.ID, agent.HandlerFunc(echoHandler))
		case "drafter":
			_ = a.agents.Bind(def.ID, agent.HandlerFunc(drafterHandler))
		}
	}
	_ = gateway
}

func echoHandler(_ context.Context, call agent.Call) (map[string]any, error) {
	parts := make([]string, 0, len(call.Input()))
	for k, v := range call.Input() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return map[string]any{"text": strings.Join(parts, " ")}, nil
}

func drafterHandler(ctx context.Context, call agent.Call) (map[string]any, error) {
	topic, _ := call.Input()["topic"].(string)
	text, err := call.Generate(ctx, "Write a short draft about: "+topic, llm.ModelFast)
	if err != nil {
		return nil, err
	}
	if err := call.PutArtifact("draft.md", []byte(text)); err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

func (a *app) serve(cmd serveCmd) int {
	addr := cmd.Addr
	if addr == "" {
		addr = a.cfg.Addr
	}
	srv := server.New(server.Config{
		Manager:     a.manager,
		Agents:      a.agents,
		Templates:   a.templates,
		Checkpoints: a.store,
		Artifacts:   a.artifacts,
		Stream:      a.stream,
		Bus:         a.bus,
		Metrics:     a.registry,
		Log:         a.log,
	})
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("control server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		a.manager.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		a.log.Error("server error", "err", err)
		return 1
	}
	return exitOK
}

func (a *app) runOnce(cmd runCmd) int {
	inputs := make(map[string]any, len(cmd.Input))
	for k, v := range cmd.Input {
		inputs[k] = v
	}

	j, err := a.manager.Create(cmd.Workflow, inputs, job.CreateOptions{MaxConcurrency: cmd.Concurrency})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var engErr *engine.Error
		if errors.Is(err, template.ErrNotFound) {
			return exitNoTemplate
		}
		if errors.As(err, &engErr) && engErr.Kind == engine.KindInvalidInputs {
			return exitInvalidInputs
		}
		return exitUsage
	}

	timer := time.AfterFunc(cmd.Timeout, func() { _ = a.manager.Cancel(j.ID) })
	defer timer.Stop()
	_ = a.manager.Wait(j.ID)

	final, err := a.manager.Get(j.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, _ := json.MarshalIndent(map[string]any{
		"job_id":   final.ID,
		"status":   final.Status,
		"progress": final.Progress,
		"error":    final.Error,
		"shared":   final.Context.Shared,
	}, "", "  ")
	fmt.Println(string(out))

	switch final.Status {
	case engine.StatusCompleted:
		return exitOK
	case engine.StatusCancelled:
		return exitCancelled
	default:
		return exitJobFailed
	}
}
