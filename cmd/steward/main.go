// Command steward runs an autonomous task agent: a step-budgeted
// think/act loop over web search and page browsing that ends when the
// model calls terminate or the loop detects it is stuck.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliFlags are the global flags accepted before or after the command.
type cliFlags struct {
	configPath string
	outputFmt  string
	runtime    runtimeOptions
}

// run is the real entry point. ctx bounds the process lifetime, stdin
// feeds the chat command, and args is os.Args[1:].
//
// Arguments are parsed by hand: the flag package's globals get in the
// way of calling run concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var flags cliFlags
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			flags.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			flags.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-model" && i+1 < len(args):
			flags.runtime.model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			flags.runtime.model = strings.TrimPrefix(args[i], "-model=")
		case args[i] == "-no-chunking":
			flags.runtime.noChunking = true
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			flags.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			flags.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			flags.outputFmt = strings.TrimPrefix(args[i], "--output=")
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

	if flags.outputFmt == "" {
		flags.outputFmt = "text"
	}
	if flags.outputFmt != "text" && flags.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", flags.outputFmt)
	}

	switch command {
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: steward ask <task>")
		}
		return runAsk(ctx, stdout, stderr, flags, strings.Join(cmdArgs, " "))
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, flags)
	case "serve":
		return runServe(ctx, stdout, flags)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, flags.outputFmt)
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Steward - Autonomous Task Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: steward [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask <task>   Run a single task and print the answer")
	fmt.Fprintln(w, "  chat         Run tasks read line by line from stdin")
	fmt.Fprintln(w, "  serve        Start the API server (and MQTT bridge if configured)")
	fmt.Fprintln(w, "  init [dir]   Write an example config and phrasebook (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -model <name>     Model entry to drive the agent (default: models.default)")
	fmt.Fprintln(w, "  -no-chunking      Observe large pages truncated instead of condensed")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml")
	return nil
}

// askResult is the JSON form of a finished ask.
type askResult struct {
	RunID     string `json:"run_id"`
	Response  string `json:"response"`
	Steps     int    `json:"steps"`
	Stuck     int    `json:"stuck_count"`
	Reason    string `json:"reason"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// runAsk runs one task and prints the answer. Logs go to stderr so the
// answer is the only thing on stdout.
func runAsk(ctx context.Context, stdout, stderr io.Writer, flags cliFlags, task string) error {
	cfg, cfgPath, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, slog.LevelWarn)
	logger.Info("config loaded", "path", cfgPath)

	rt, err := newRuntime(cfg, flags.runtime, nil, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	response, err := rt.agent.Run(ctx, task)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ask: %w", err)
	}

	if flags.outputFmt == "json" {
		info := rt.agent.LastRun()
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askResult{
			RunID:     info.ID,
			Response:  response,
			Steps:     info.Steps,
			Stuck:     info.Stuck,
			Reason:    info.Reason,
			ElapsedMS: info.Elapsed.Milliseconds(),
		})
	}
	fmt.Fprintln(stdout, response)
	return nil
}

// runChat runs one task per input line against a single agent, so
// later tasks see the conversation so far. "/reset" clears the
// conversation; "/exit" or end of input quits.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, flags cliFlags) error {
	cfg, _, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, slog.LevelWarn)

	rt, err := newRuntime(cfg, flags.runtime, nil, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Fprintf(stdout, "steward %s using %s. /reset clears the conversation, /exit quits.\n", buildinfo.Version, rt.modelName)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			rt.agent.Memory().Clear()
			fmt.Fprintln(stdout, "Conversation cleared.")
			continue
		}

		start := time.Now()
		response, err := rt.agent.Run(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(stdout, "error: %v\n", err)
			continue
		}
		info := rt.agent.LastRun()
		fmt.Fprintln(stdout, response)
		fmt.Fprintf(stdout, "(%d steps, %s, %s)\n", info.Steps, info.Reason, time.Since(start).Round(time.Millisecond))
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format: "json", "tint" (colorized console) or text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if format == "tint" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if err, ok := a.Value.Any().(error); ok && a.Value.Kind() == slog.KindAny {
					return tint.Err(err)
				}
				return config.ReplaceLogLevelNames(groups, a)
			},
		}))
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger cfg asks for. An unset log_level
// falls back to def.
func configuredLogger(w io.Writer, cfg *config.Config, def slog.Level) *slog.Logger {
	level := def
	if cfg.LogLevel != "" {
		// Validated by config.Load.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	format, _ := config.ParseLogFormat(cfg.LogFormat)
	return newLogger(w, level, format)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist. Without one, the default locations are
// searched and the built-in defaults are used when none exists.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(built-in defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
