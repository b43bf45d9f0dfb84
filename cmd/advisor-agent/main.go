package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quantfolio/advisor-agent/internal/advisor"
	"github.com/quantfolio/advisor-agent/internal/config"
	"github.com/quantfolio/advisor-agent/internal/guardrail"
	"github.com/quantfolio/advisor-agent/internal/insights"
	"github.com/quantfolio/advisor-agent/internal/llm"
	"github.com/quantfolio/advisor-agent/internal/lockfile"
	"github.com/quantfolio/advisor-agent/internal/memory"
	"github.com/quantfolio/advisor-agent/internal/monitor"
	"github.com/quantfolio/advisor-agent/internal/thread"
	"github.com/quantfolio/advisor-agent/internal/tools"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("advisor-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `advisor-agent

Usage:
  advisor-agent init [flags]
  advisor-agent run [flags]
  advisor-agent version

Commands:
  init        Write a starter config file.
  run         Start an interactive advisory session using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	providerType := fs.String("provider", "openai", "Provider type: openai|openai_compatible|anthropic")
	model := fs.String("model", "gpt-4.1", "Model id")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if !*force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "config already exists: %s (use -force to overwrite)\n", path)
			os.Exit(1)
		}
	}

	cfg := &config.Config{
		Provider: config.ProviderConfig{
			Type:  strings.TrimSpace(*providerType),
			Model: strings.TrimSpace(*model),
		},
		LogFormat: "text",
		LogLevel:  "info",
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
	fmt.Printf("Set %s before running.\n", cfg.APIKeyEnvName())
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	accountID := fs.Int64("account", 1, "Authenticated account id for this session")
	threadID := fs.String("thread", "", "Resume a specific thread id")
	newSession := fs.Bool("new-session", false, "Start a fresh conversation thread")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := runSession(cfg, log, *accountID, *threadID, *newSession); err != nil {
		log.Error("agent.exit", "error", err.Error())
		os.Exit(1)
	}
}

func runSession(cfg *config.Config, log *slog.Logger, accountID int64, threadID string, newSession bool) error {
	dataDir := cfg.EffectiveDataDir()

	lock, err := lockfile.AcquireDir(dataDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return fmt.Errorf("another advisor-agent already uses %s", dataDir)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	store, err := memory.Open(filepath.Join(dataDir, "memory.sqlite"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer func() { _ = store.Close() }()

	sink, err := guardrail.OpenSQLiteSink(filepath.Join(dataDir, "incidents.sqlite"))
	if err != nil {
		return fmt.Errorf("open incident sink: %w", err)
	}
	defer func() { _ = sink.Close() }()

	rulesPath := ""
	if cfg.Guardrail != nil {
		rulesPath = cfg.Guardrail.RulesPath
	}
	rules, err := guardrail.LoadRules(rulesPath)
	if err != nil {
		return fmt.Errorf("load guardrail rules: %w", err)
	}
	validator, err := guardrail.NewValidator(guardrail.ValidatorOptions{Rules: rules, Log: log, Sink: sink})
	if err != nil {
		return err
	}

	apiKey := os.Getenv(cfg.APIKeyEnvName())
	if strings.TrimSpace(apiKey) == "" {
		return fmt.Errorf("environment variable %s is not set", cfg.APIKeyEnvName())
	}
	provider, err := llm.NewProvider(cfg.Provider.Type, cfg.Provider.BaseURL, apiKey)
	if err != nil {
		return err
	}

	var data tools.PortfolioData = tools.StubPortfolioData{}
	if braveKey := strings.TrimSpace(os.Getenv("BRAVE_API_KEY")); braveKey != "" {
		client, err := insights.NewClient(braveKey)
		if err == nil {
			if live, err := insights.WithLiveInsights(data, client); err == nil {
				data = live
				log.Info("insights.live_search_enabled")
			}
		}
	}
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, data); err != nil {
		return err
	}

	summarizer, err := memory.NewSummarizer(memory.SummarizerOptions{
		Store:     store,
		Distiller: advisor.NewModelDistiller(provider, cfg.Provider.Model, cfg.EffectiveMaxOutputTokens()),
		Log:       log,
		Threshold: cfg.EffectiveSummarizeThreshold(),
		Workers:   cfg.EffectiveSummaryWorkers(),
	})
	if err != nil {
		return err
	}
	defer summarizer.Close()

	threads, err := thread.NewManager(store, log)
	if err != nil {
		return err
	}

	engine, err := advisor.NewEngine(advisor.Options{
		Provider:           provider,
		Store:              store,
		Summarizer:         summarizer,
		Threads:            threads,
		Validator:          validator,
		Registry:           registry,
		Log:                log,
		Model:              cfg.Provider.Model,
		MaxSteps:           cfg.EffectiveMaxSteps(),
		HistoryTokenBudget: cfg.EffectiveHistoryTokenBudget(),
		MaxOutputTokens:    cfg.EffectiveMaxOutputTokens(),
		ThinkingAfter:      time.Duration(cfg.EffectiveThinkingAfterMs()) * time.Millisecond,
		GeneratingAfter:    time.Duration(cfg.EffectiveGeneratingAfterMs()) * time.Millisecond,
		PersistTimeout:     time.Duration(cfg.EffectivePersistOpTimeoutMs()) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	sampler, err := monitor.NewSampler(log, 30*time.Second)
	if err == nil {
		sampler.Start()
		defer sampler.Close()
	} else {
		log.Warn("monitor.disabled", "error", err.Error())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if newSession {
		th, err := threads.CreateNewSession(ctx, accountID)
		if err != nil {
			return err
		}
		threadID = th.ThreadID
	}

	return chatLoop(ctx, engine, log, accountID, threadID)
}

func chatLoop(ctx context.Context, engine *advisor.Engine, log *slog.Logger, accountID int64, threadID string) error {
	fmt.Printf("advisor-agent %s. Account %d. Type your question, or \"exit\" to quit.\n", Version, accountID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if query == "exit" || query == "quit" {
			return nil
		}

		res, err := engine.ProcessQuery(ctx, advisor.Request{
			Query:     query,
			AccountID: accountID,
			ThreadID:  threadID,
			OnStatus: func(s advisor.StatusUpdate) {
				if s.Type != advisor.StatusCompleted {
					fmt.Fprintf(os.Stderr, "  · %s\n", s.Message)
				}
			},
			OnToken: func(tok string) {
				fmt.Print(tok)
			},
		})
		fmt.Println()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Warn("turn.failed", "error", err.Error())
			continue
		}
		threadID = res.ThreadID
	}
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
