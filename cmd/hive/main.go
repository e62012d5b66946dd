// Command hive runs task scripts in isolated worker processes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hive/internal/api"
	"github.com/mattjoyce/hive/internal/config"
	"github.com/mattjoyce/hive/internal/journal"
	"github.com/mattjoyce/hive/internal/lock"
	"github.com/mattjoyce/hive/internal/log"
	"github.com/mattjoyce/hive/internal/process"
	"github.com/mattjoyce/hive/internal/tui/watch"
)

const version = "0.1.0"

// defaultConfigPath is used when --config is not given and the file exists.
const defaultConfigPath = "config.yaml"

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitFailure = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitError
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return runRun(rest, stdout, stderr)
	case "serve":
		return runServe(rest, stderr)
	case "config":
		return runConfigNoun(rest, stdout, stderr)
	case "journal":
		return runJournalNoun(rest, stdout, stderr)
	case "watch":
		return runWatch(rest, stderr)
	case "version":
		return runVersion(rest, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return exitError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `hive - run task scripts in isolated worker processes

Usage:
  hive <command> [flags]

Commands:
  run <script>        Run one script in a fresh worker and print its outcome
  serve               Start the HTTP API in the foreground
  config check        Validate the configuration
  config show         Print the effective configuration (secrets redacted)
  config get <path>   Print one value, e.g. worker.connect_timeout
  journal list        Show recent executions
  journal get <id>    Show one execution
  watch               Live view of a running server's executions
  version             Show version information

All commands accept --config <file|dir>. Without it ./config.yaml is used
when present, otherwise built-in defaults.
`)
}

// loadConfig loads path, falling back to ./config.yaml and then defaults.
// The bool reports whether a file was read.
func loadConfig(path string) (*config.Config, bool, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return config.Defaults(), false, nil
		}
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	noJournal := fs.Bool("no-journal", false, "Do not record the execution in the journal")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: hive run [--config path] [--no-journal] <script>")
		return exitError
	}
	script := fs.Arg(0)

	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	// stdout carries the outcome document.
	log.SetupWriter(cfg.Service.LogLevel, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var j process.Journal
	if fromFile && !*noJournal {
		jr, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to open journal: %v\n", err)
			return exitError
		}
		defer jr.Close()
		j = jr
	}

	launcher := process.NewLauncher(process.ConfigFrom(cfg), j, log.WithComponent("process"))
	res, err := launcher.Run(ctx, script, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Execution failed: %v\n", err)
		if res != nil && res.Stderr != "" {
			fmt.Fprintf(stderr, "--- worker stderr ---\n%s", res.Stderr)
		}
		return exitError
	}

	if err := writeJSON(stdout, res); err != nil {
		fmt.Fprintf(stderr, "Failed to encode outcome: %v\n", err)
		return exitError
	}
	if !res.Outcome.Succeeded() {
		return exitFailure
	}
	return exitOK
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if !cfg.API.Enabled {
		fmt.Fprintln(stderr, "api.enabled is false; nothing to serve")
		return exitError
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("hive starting", "version", version, "config", cfg.SourcePath, "config_checksum", cfg.Checksum)

	if cfg.Journal.Path != ":memory:" {
		pidLock, err := lock.Acquire(lock.PathFor(cfg.Journal.Path))
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
			return exitError
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	j, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
		return exitError
	}
	defer j.Close()
	logger.Info("journal opened", "path", cfg.Journal.Path)

	launcher := process.NewLauncher(process.ConfigFrom(cfg), j, log.WithComponent("process"))
	server := api.New(api.Config{
		Listen:        cfg.API.Listen,
		APIKey:        cfg.API.APIKey,
		MaxConcurrent: cfg.API.MaxConcurrent,
		RunTimeout:    cfg.API.RunTimeout,
		ScriptDir:     cfg.API.ScriptDir,
	}, launcher, j, log.WithComponent("api"))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("API server failed", "error", err)
		return exitError
	}
	logger.Info("hive stopped")
	return exitOK
}

func runConfigNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: hive config <check|show|get> [--config path]")
		return exitError
	}

	action, rest := args[0], args[1:]
	fs := flag.NewFlagSet("config "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(rest); err != nil {
		return exitError
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Config load error: %v\n", err)
		return exitError
	}

	switch action {
	case "check":
		source := cfg.SourcePath
		if source == "" {
			source = "(defaults)"
		}
		fmt.Fprintf(stdout, "Configuration valid: %s\n", source)
		if cfg.Checksum != "" {
			fmt.Fprintf(stdout, "Checksum: %s\n", cfg.Checksum)
		}
		return exitOK
	case "show":
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			fmt.Fprintf(stderr, "Failed to encode config: %v\n", err)
			return exitError
		}
		_, _ = stdout.Write(out)
		return exitOK
	case "get":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: hive config get [--config path] <path>")
			return exitError
		}
		value, err := cfg.Redacted().GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		if m, ok := value.(map[string]any); ok {
			out, err := yaml.Marshal(m)
			if err != nil {
				fmt.Fprintf(stderr, "Failed to encode value: %v\n", err)
				return exitError
			}
			_, _ = stdout.Write(out)
			return exitOK
		}
		fmt.Fprintln(stdout, value)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown config action: %s\n", action)
		return exitError
	}
}

func runJournalNoun(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: hive journal <list|get> [--config path]")
		return exitError
	}

	action, rest := args[0], args[1:]
	fs := flag.NewFlagSet("journal "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum number of executions to list")
	if err := fs.Parse(rest); err != nil {
		return exitError
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Config load error: %v\n", err)
		return exitError
	}

	ctx := context.Background()
	j, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open journal: %v\n", err)
		return exitError
	}
	defer j.Close()

	switch action {
	case "list":
		entries, err := j.List(ctx, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		for _, e := range entries {
			fmt.Fprintf(stdout, "%s  %-8s  %s  %s\n", e.ID, e.Status, e.StartedAt.Format("2006-01-02T15:04:05Z07:00"), e.Script)
		}
		return exitOK
	case "get":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "Usage: hive journal get [--config path] <id>")
			return exitError
		}
		entry, err := j.Get(ctx, fs.Arg(0))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		if err := writeJSON(stdout, entry); err != nil {
			fmt.Fprintf(stderr, "Failed to encode entry: %v\n", err)
			return exitError
		}
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown journal action: %s\n", action)
		return exitError
	}
}

func runWatch(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	url := fs.String("url", "", "API base URL (default http://<api.listen>)")
	apiKey := fs.String("api-key", os.Getenv("HIVE_API_KEY"), "API key (default $HIVE_API_KEY, then api.api_key)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	if *url == "" {
		*url = "http://" + cfg.API.Listen
	}
	if *apiKey == "" {
		*apiKey = cfg.API.APIKey
	}

	if _, err := tea.NewProgram(watch.New(*url, *apiKey)).Run(); err != nil {
		fmt.Fprintf(stderr, "Watch failed: %v\n", err)
		return exitError
	}
	return exitOK
}

func runVersion(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if *asJSON {
		_ = writeJSON(stdout, map[string]string{"version": version, "go": runtime.Version()})
		return exitOK
	}
	fmt.Fprintf(stdout, "hive version %s\n", version)
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
