// Parley is a conversational assistant service. It keeps named
// conversation threads in SQLite, answers through an LLM completion
// provider, and lets the model call weather and news tools.
//
// Usage:
//
//	parley serve              Start the API server
//	parley init [dir]         Create a data directory and example config
//	parley ask <question>     Ask a single question (for testing)
//	parley version            Print version and build information
//	parley -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hldeng/parley/internal/agent"
	"github.com/hldeng/parley/internal/api"
	"github.com/hldeng/parley/internal/auth"
	"github.com/hldeng/parley/internal/buildinfo"
	"github.com/hldeng/parley/internal/config"
	"github.com/hldeng/parley/internal/connwatch"
	"github.com/hldeng/parley/internal/httpkit"
	"github.com/hldeng/parley/internal/llm"
	"github.com/hldeng/parley/internal/memory"
	"github.com/hldeng/parley/internal/news"
	"github.com/hldeng/parley/internal/tools"
	"github.com/hldeng/parley/internal/usage"
	"github.com/hldeng/parley/internal/weather"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; run returns nil on
// clean shutdown. Arguments are parsed by hand because the flag package
// keeps global state that breaks parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - conversational assistant with weather and news tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Create a data directory and example config (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk answers one question against an in-memory conversation store
// and prints the reply. Nothing is persisted.
func runAsk(ctx context.Context, stdout io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs would interleave with the answer on stdout; keep them quiet
	// unless explicitly asked for.
	level := slog.LevelWarn
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := config.NewLogger(stdout, level, cfg.LogFormat)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return fmt.Errorf("open in-memory store: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	store, err := memory.New(db, cfg.Conversation.HistoryLimit, logger)
	if err != nil {
		return err
	}

	loop := newLoop(cfg, createLLMClient(cfg, logger), store, logger)
	resp, err := loop.Run(ctx, &agent.Request{
		ConversationID: "cli",
		Message:        strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Reply)
	return nil
}

// runServe loads config, opens the databases, wires the orchestrator
// and serves the API until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Load validated the level, so the error is unreachable.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"data_dir", cfg.DataDir,
		"history_limit", cfg.Conversation.HistoryLimit,
		"weather", cfg.Weather.Configured(),
		"news", cfg.News.Configured(),
		"auth", cfg.Auth.Enabled(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := memory.Open(filepath.Join(cfg.DataDir, "conversations.db"), cfg.Conversation.HistoryLimit, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	ledger, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer ledger.Close()

	llmClient := createLLMClient(cfg, logger)
	loop := newLoop(cfg, llmClient, store, logger)
	loop.SetUsageRecorder(ledger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, store, logger)
	server.SetUsageStore(ledger)
	if cfg.Auth.Enabled() {
		gate, err := auth.NewGate(auth.Config{
			Password:     cfg.Auth.Password,
			PasswordHash: cfg.Auth.PasswordHash,
			Secret:       cfg.Auth.SessionSecret,
			TTL:          cfg.Auth.TTL(),
			SecureCookie: cfg.Auth.SecureCookie,
		}, logger)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		server.SetGate(gate)
	} else {
		logger.Warn("no auth password configured, API is open")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	monitor := connwatch.NewMonitor(logger)
	monitor.Watch(gctx, cfg.LLM.Provider, llmClient.Ping, connwatch.Schedule{Timeout: cfg.LLM.Timeout()})
	server.SetHealth(monitor)
	g.Go(func() error {
		monitor.Wait()
		return nil
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Parley stopped")
	return nil
}

// newLoop builds the tool clients, registry and executor, and returns
// the orchestrator over store.
func newLoop(cfg *config.Config, llmClient llm.Client, store agent.ConversationStore, logger *slog.Logger) *agent.Loop {
	registry := tools.NewRegistry(logger)
	creds := map[string]string{}
	toolTimeout := 10 * time.Second

	if cfg.Weather.Configured() {
		httpClient := httpkit.NewClient(
			httpkit.WithTimeout(cfg.Weather.Timeout()),
			httpkit.WithRetry(1, 500*time.Millisecond),
			// OpenWeatherMap's free tier allows 60 calls per minute.
			httpkit.WithRateLimit(rate.Every(time.Second), 5),
			httpkit.WithLogger(logger),
		)
		weather.Register(registry, weather.NewClient(cfg.Weather.BaseURL, cfg.Weather.Units, httpClient, logger), cfg.Tools.MaxItems)
		creds[weather.CredentialKey] = cfg.Weather.APIKey
		toolTimeout = cfg.Weather.Timeout()
	}

	if cfg.News.Configured() {
		httpClient := httpkit.NewClient(
			httpkit.WithTimeout(cfg.News.Timeout()),
			httpkit.WithRetry(1, 500*time.Millisecond),
			httpkit.WithRateLimit(rate.Every(2*time.Second), 3),
			httpkit.WithLogger(logger),
		)
		news.Register(registry, news.NewClient(cfg.News.BaseURL, cfg.News.Country, httpClient, logger), cfg.Tools.MaxItems)
		creds[news.CredentialKey] = cfg.News.APIKey
		toolTimeout = max(toolTimeout, cfg.News.Timeout())
	}

	executor := tools.NewExecutor(registry, logger,
		tools.WithCredentials(creds),
		tools.WithTimeout(toolTimeout),
		tools.WithMaxResultChars(cfg.Tools.MaxResultChars),
	)
	logger.Info("tools registered", "tools", registry.Names())

	return agent.NewLoop(logger, store, llmClient, registry, executor, agent.Config{
		Model:              cfg.LLM.Model,
		SentimentThreshold: cfg.Sentiment.Threshold,
		TitleMode:          cfg.LLM.TitleMode,
		TitleMaxChars:      cfg.Conversation.TitleMaxChars,
		CompletionTimeout:  cfg.LLM.Timeout(),
	})
}

// createLLMClient builds the completion client for the configured
// provider. The per-call deadline comes from the loop, so the HTTP
// client timeout is only a backstop.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.LLM.Timeout()+5*time.Second),
		httpkit.WithLogger(logger),
	)
	switch cfg.LLM.Provider {
	case "ollama":
		logger.Info("LLM client initialized", "provider", "ollama", "model", cfg.LLM.Model, "url", cfg.LLM.BaseURL)
		return llm.NewOllamaClient(cfg.LLM.BaseURL, httpClient, logger)
	default:
		logger.Info("LLM client initialized", "provider", "openai", "model", cfg.LLM.Model)
		return llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, httpClient, logger)
	}
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
