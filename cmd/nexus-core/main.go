// Command nexus-core wires every component of the Nexus Core agent
// runtime into a single process: Cost Guard, Tool Registry, Prompt
// Layer, Memory Manager, provider failover, the Agent Runner turn
// loop, the Inter-Agent Comms Bus, the Approval Gate, the Secret
// Store, the Scheduled Task Executor, and the Proactive Messenger.
//
// This binary is the wiring example an HTTP/WebSocket boundary would
// sit in front of (deliberately out of scope here, per spec §1); it
// loads one project config, assembles the runtime, and runs until a
// shutdown signal arrives.
//
//	nexus-core -config ./project.json
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexuscore/core/internal/agentrunner"
	"github.com/nexuscore/core/internal/approval"
	"github.com/nexuscore/core/internal/config"
	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/costguard"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/memory"
	"github.com/nexuscore/core/internal/model"
	"github.com/nexuscore/core/internal/observability"
	"github.com/nexuscore/core/internal/proactive"
	"github.com/nexuscore/core/internal/promptlayer"
	"github.com/nexuscore/core/internal/provider"
	"github.com/nexuscore/core/internal/secrets"
	"github.com/nexuscore/core/internal/tasks"
	"github.com/nexuscore/core/internal/toolregistry"
	"github.com/nexuscore/core/internal/usage"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", os.Getenv("NEXUS_CONFIG"), "path to the project config JSON file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "nexus-core: -config (or NEXUS_CONFIG) is required")
		os.Exit(1)
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "json"})
	ctx := context.Background()

	logger.Info(ctx, "starting nexus-core", "version", version, "commit", commit, "config", *configPath)

	if err := run(ctx, *configPath, logger); err != nil {
		logger.Error(ctx, "nexus-core exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *observability.Logger) error {
	projectFile, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}
	project := projectFile.ToProject()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "nexus-core",
		ServiceVersion: version,
		Environment:    project.Environment,
		Endpoint:       os.Getenv("OTEL_ENDPOINT"),
	})
	defer shutdownTracer(context.Background())

	masterKey, err := secrets.LoadMasterKey(os.Getenv("SECRETS_ENCRYPTION_KEY"))
	if err != nil {
		return fmt.Errorf("loading secrets master key: %w", err)
	}
	secretStore, err := secrets.New(masterKey)
	if err != nil {
		return fmt.Errorf("building secret store: %w", err)
	}

	spend := usage.NewSpendStore()
	cost := costguard.New(spend, logger)
	tools := toolregistry.New()
	prompts := promptlayer.New()
	mem := memory.New(project.Config.Memory.Enabled, memory.DecayConfig{
		Enabled:  project.Config.Memory.DecayHalfLifeDays > 0,
		HalfLife: time.Duration(project.Config.Memory.DecayHalfLifeDays * float64(24*time.Hour)),
	})

	resolveProvider := newProviderResolver(secretStore, project.ID, project.Config)
	runner := agentrunner.New(tools, prompts, mem, cost, resolveProvider)
	runner.Tracer = tracer
	runner.Logger = logger
	runner.Metrics = observability.NewMetrics()

	approvalGate := approval.New(func(req model.ApprovalRequest) {
		logger.Info(ctx, "approval requested", "toolId", req.ToolID, "traceId", req.TraceID, "approvalId", req.ID)
	})

	taskStore := tasks.NewMemStore()
	runnerAdapter := tasks.NewRunnerAdapter(runner, singleProjectResolver(project), func(sessionID ids.SessionId, userMsg, assistantMsg model.Message) {
		logger.Info(ctx, "scheduled task turn persisted", "sessionId", sessionID, "assistantChars", len(assistantMsg.Content))
	})
	scheduler := tasks.NewScheduler(taskStore, runnerAdapter, tasks.DefaultSchedulerConfig())

	proactiveQueue := proactive.New(newChannelAdapterResolver(secretStore), proactive.DefaultQueueConfig(), logger)

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	proactiveQueue.Start(runCtx)

	logger.Info(ctx, "nexus-core runtime assembled and running",
		"project", string(project.ID), "environment", project.Environment)

	<-runCtx.Done()
	logger.Info(ctx, "shutdown signal received, stopping runtime")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	proactiveQueue.Stop()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}

	_ = approvalGate // wired for the lifetime of the process; surfaced via the out-of-scope HTTP boundary
	logger.Info(ctx, "nexus-core stopped gracefully")
	return nil
}

// singleProjectResolver adapts this single-project binary to
// tasks.ConfigResolver's multi-project signature: every task in this
// process belongs to the one project loaded at startup.
func singleProjectResolver(project model.Project) tasks.ConfigResolver {
	return func(agentID string) (ids.ProjectId, model.AgentConfig, error) {
		return project.ID, project.Config, nil
	}
}

// newProviderResolver builds an agentrunner.ProviderResolver that
// constructs a concrete Provider per spec.ProviderSpec, resolving its
// API key from the secret store and wrapping primary+fallback in a
// Failover when the project config names a fallback. The runner only
// ever calls Resolve with Config.Primary (spec §4.5 step 1), so the
// fallback spec comes from the closure's own copy of the project's
// AgentConfig rather than from the resolver's argument.
func newProviderResolver(secretStore *secrets.Store, projectID ids.ProjectId, cfg model.AgentConfig) agentrunner.ProviderResolver {
	return func(spec model.ProviderSpec) (provider.Provider, error) {
		primary, err := buildProvider(secretStore, projectID, spec)
		if err != nil {
			return nil, err
		}
		if cfg.Fallback == nil {
			return primary, nil
		}
		fallback, err := buildProvider(secretStore, projectID, *cfg.Fallback)
		if err != nil {
			return nil, err
		}
		return provider.NewFailover(cfg.Failover, primary, fallback), nil
	}
}

func buildProvider(secretStore *secrets.Store, projectID ids.ProjectId, spec model.ProviderSpec) (provider.Provider, error) {
	apiKey, err := resolveAPIKey(secretStore, projectID, spec.APIKeyEnv)
	if err != nil {
		return nil, err
	}

	switch spec.Provider {
	case model.ProviderAnthropic:
		return provider.NewAnthropic(provider.AnthropicConfig{APIKey: apiKey, BaseURL: spec.BaseURL, DefaultModel: spec.Model})
	case model.ProviderOpenAI:
		return provider.NewOpenAI(provider.OpenAIConfig{APIKey: apiKey, BaseURL: spec.BaseURL, DefaultModel: spec.Model})
	default:
		return nil, corerr.New(corerr.CodeConfigError, "unsupported provider: "+string(spec.Provider))
	}
}

// resolveAPIKey reads apiKeyEnv from the project's secret store first
// (spec §4.12's vault), falling back to the process environment so a
// config that names a plain env var still works without a secret
// being written first.
func resolveAPIKey(secretStore *secrets.Store, projectID ids.ProjectId, apiKeyEnv string) (string, error) {
	if apiKeyEnv == "" {
		return "", corerr.New(corerr.CodeConfigError, "provider spec has no apiKeyEnv configured")
	}
	if value, err := secretStore.Get(projectID, apiKeyEnv); err == nil {
		return value, nil
	}
	if value := os.Getenv(apiKeyEnv); value != "" {
		return value, nil
	}
	return "", corerr.New(corerr.CodeConfigError, "no value found for apiKeyEnv: "+apiKeyEnv)
}

// newChannelAdapterResolver builds a proactive.AdapterResolver backed
// by per-project secrets: the Slack bot token and Telegram bot token
// are read from the secret store under well-known keys rather than
// the process environment, so multi-tenant deployments can hold
// distinct bot credentials per project.
func newChannelAdapterResolver(secretStore *secrets.Store) proactive.AdapterResolver {
	return func(projectID ids.ProjectId, channel string) (proactive.ChannelAdapter, error) {
		switch channel {
		case "slack":
			token, err := secretStore.Get(projectID, "SLACK_BOT_TOKEN")
			if err != nil {
				return nil, err
			}
			return proactive.NewSlackAdapter(token), nil
		case "telegram":
			token, err := secretStore.Get(projectID, "TELEGRAM_BOT_TOKEN")
			if err != nil {
				return nil, err
			}
			return proactive.NewTelegramAdapter(token)
		default:
			return nil, corerr.New(corerr.CodeConfigError, "no channel adapter configured for: "+channel)
		}
	}
}
