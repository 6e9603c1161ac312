// Taurus is a tool-using chat assistant served over HTTP.
//
// It exposes a streaming chat API backed by Anthropic's Messages API,
// with conversation persistence, per-conversation memories, uploaded
// file extraction, and a set of built-in tools (web browsing, API
// calls, a sandboxed scratch database). Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	taurus serve              Start the API server
//	taurus init [dir]         Initialize a working directory with defaults
//	taurus ask <question>     Ask a single question (for testing)
//	taurus version            Print version and build information
//	taurus -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nugget/taurus/internal/agent"
	"github.com/nugget/taurus/internal/api"
	"github.com/nugget/taurus/internal/apicall"
	"github.com/nugget/taurus/internal/auth"
	"github.com/nugget/taurus/internal/buildinfo"
	"github.com/nugget/taurus/internal/config"
	"github.com/nugget/taurus/internal/datastore"
	"github.com/nugget/taurus/internal/fetch"
	"github.com/nugget/taurus/internal/history"
	"github.com/nugget/taurus/internal/llm"
	"github.com/nugget/taurus/internal/store"
	"github.com/nugget/taurus/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the taurus command. All OS-level
// dependencies are injected: ctx controls process lifetime, stdout and
// stderr receive output, and args is os.Args[1:]. Arguments are parsed
// by hand because the flag package's package-level globals interfere
// with calling run concurrently from tests.
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

	// Secrets commonly live in a .env file during development. Absence
	// is fine; the environment itself still applies.
	_ = godotenv.Load()

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
			return fmt.Errorf("usage: taurus ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
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
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Taurus - Tool-Using Chat Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: taurus [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/taurus/config.yaml, /etc/taurus/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
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

// runAsk handles the "taurus ask <question>" subcommand. It boots the
// full agent against the configured data directory and processes a
// single question, printing the response to stdout. Useful for smoke
// tests without starting the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger, closer, err := config.NewLogger(stdout, "warn", "")
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required (or set ANTHROPIC_API_KEY)")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	st, err := store.New(filepath.Join(cfg.DataDir, "taurus.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	loop := newLoop(cfg, st, logger)

	response, err := loop.Chat(ctx, "cli", question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, response)
	return nil
}

// runServe handles the "taurus serve" subcommand. It is the primary
// operating mode: loads config, opens the database, wires the agent
// with its tools, starts the HTTP server, and blocks until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	logger.Info("starting Taurus",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "taurus.db")
	st, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", dbPath)

	loop := newLoop(cfg, st, logger)
	authn := auth.New(cfg.Auth.Username, cfg.Auth.PasswordHash, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.New(addr, loop, st, authn, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Taurus stopped")
	return nil
}

// newLoop wires the agent from config: tool registry, history
// assembler, and the Anthropic backend, all sharing the given store.
func newLoop(cfg *config.Config, st *store.Store, logger *slog.Logger) *agent.Loop {
	registry := tools.NewBuiltinRegistry(tools.Deps{
		Store:   st,
		Data:    datastore.New(st.DB()),
		Fetcher: fetch.New(cfg.Fetch.MaxChars),
		Caller:  apicall.New(),
		Logger:  logger,
	})

	hist := history.New(st, cfg.Agent.SystemPrompt)
	backend := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, logger)

	return agent.New(st, hist, registry, backend, logger, agent.Config{
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		LLMTimeout:    time.Duration(cfg.Agent.LLMTimeoutSec) * time.Second,
		ToolTimeout:   time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second,
	})
}
