// ABOUTME: CLI entrypoint for the basin pipeline runner with run, resume, validate, and server modes.
// ABOUTME: Wires the runner, SQLite run store, HTTP server, interviewers, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/basin-run/basin/dot"
	"github.com/basin-run/basin/pipeline"
	"github.com/basin-run/basin/runstore"
	"github.com/basin-run/basin/web"
)

var version = "dev"

// cliConfig holds configuration parsed from flags and positional arguments.
type cliConfig struct {
	serverMode   bool
	validateOnly bool
	resume       bool
	configPath   string
	logsRoot     string
	interviewer  string
	timeout      time.Duration
	verbose      bool
	showVersion  bool
	pipelineFile string
}

func main() {
	godotenv.Load()

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("basin %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() cliConfig {
	var cfg cliConfig

	fs := flag.NewFlagSet("basin", flag.ContinueOnError)
	fs.BoolVar(&cfg.serverMode, "server", false, "Start HTTP server mode")
	fs.BoolVar(&cfg.validateOnly, "validate", false, "Validate pipeline without executing")
	fs.BoolVar(&cfg.resume, "resume", false, "Resume from the last checkpoint")
	fs.StringVar(&cfg.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&cfg.logsRoot, "logs", "", "Logs root directory (overrides config)")
	fs.StringVar(&cfg.interviewer, "interviewer", "", "Interviewer for human gates: console, auto (overrides config)")
	fs.DurationVar(&cfg.timeout, "timeout", 0, "Overall run timeout (0 = none)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Print events as they happen")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Usage = func() { printHelp(os.Stderr, version) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if fs.NArg() > 0 {
		cfg.pipelineFile = fs.Arg(0)
	}
	return cfg
}

// run dispatches to the appropriate mode. Returns a process exit code.
func run(cfg cliConfig) int {
	fileCfg, err := loadFileConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if cfg.serverMode {
		return runServer(fileCfg)
	}

	if cfg.pipelineFile == "" {
		printHelp(os.Stderr, version)
		return 0
	}

	source, err := os.ReadFile(cfg.pipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	graph, err := dot.Parse(string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse %s: %v\n", cfg.pipelineFile, err)
		return 1
	}

	if cfg.validateOnly {
		return validatePipeline(graph)
	}

	return runPipeline(cfg, fileCfg, graph)
}

// loadFileConfig layers the config file (when given) over defaults, then
// applies flag overrides.
func loadFileConfig(cfg cliConfig) (pipeline.Config, error) {
	fileCfg := pipeline.DefaultConfig()
	if cfg.configPath != "" {
		loaded, err := pipeline.LoadConfig(cfg.configPath)
		if err != nil {
			return fileCfg, err
		}
		fileCfg = loaded
	}
	if cfg.logsRoot != "" {
		fileCfg.LogsRoot = cfg.logsRoot
	}
	if cfg.interviewer != "" {
		fileCfg.Interviewer = cfg.interviewer
	}
	return fileCfg, nil
}

// validatePipeline checks graph well-formedness without executing.
func validatePipeline(graph *dot.Graph) int {
	var problems []string
	if graph.FindStartNode() == nil {
		problems = append(problems, "no start node")
	}
	if graph.FindExitNode() == nil {
		problems = append(problems, "no exit node")
	}
	for _, e := range graph.Edges {
		if graph.FindNode(e.To) == nil {
			problems = append(problems, fmt.Sprintf("edge %s -> %s targets unknown node", e.From, e.To))
		}
	}
	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "invalid: %s\n", p)
		}
		return 1
	}
	fmt.Printf("Pipeline valid: %d nodes, %d edges\n", len(graph.Nodes), len(graph.Edges))
	return 0
}

// runPipeline executes (or resumes) a graph on the command line.
func runPipeline(cfg cliConfig, fileCfg pipeline.Config, graph *dot.Graph) int {
	runnerCfg := fileCfg.RunnerConfig()
	runnerCfg.Interviewer = buildInterviewer(fileCfg.Interviewer)
	if cfg.verbose {
		runnerCfg.Events = pipeline.SinkFunc(printEvent)
	}

	runner := pipeline.NewRunner(runnerCfg)

	ctx, cancel := signalContext(cfg.timeout)
	defer cancel()

	var result *pipeline.RunResult
	var runErr error
	if cfg.resume {
		result, runErr = runner.Resume(ctx, graph)
	} else {
		result, runErr = runner.Run(ctx, graph)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return 1
	}

	if result.FinalStatus != pipeline.StatusSuccess {
		fmt.Fprintf(os.Stderr, "Pipeline failed: %s\n", result.FailureReason)
		return 1
	}

	fmt.Printf("Pipeline completed successfully.\n")
	fmt.Printf("Run ID: %s\n", result.PipelineID)
	fmt.Printf("Completed nodes: %v\n", result.CompletedNodes)
	return 0
}

// runServer starts the HTTP surface backed by the SQLite run store.
func runServer(fileCfg pipeline.Config) int {
	store, err := runstore.Open(fileCfg.Server.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := signalContext(0)
	defer cancel()

	srv := web.NewServer(fileCfg, store, nil)
	fmt.Printf("basin %s listening on %s\n", version, fileCfg.Server.Addr)
	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// buildInterviewer maps a config name to an interviewer implementation.
func buildInterviewer(name string) pipeline.Interviewer {
	switch name {
	case "auto":
		return pipeline.NewAutoApproveInterviewer()
	default:
		return pipeline.NewConsoleInterviewer(os.Stdin, os.Stdout, 0)
	}
}

// signalContext cancels on SIGINT/SIGTERM, with an optional overall timeout.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()
	return ctx, cancel
}

// printEvent is the verbose event sink.
func printEvent(e pipeline.Event) {
	if e.NodeID != "" {
		fmt.Printf("[%s] %s %s\n", e.Timestamp.Format("15:04:05"), e.Kind, e.NodeID)
		return
	}
	fmt.Printf("[%s] %s\n", e.Timestamp.Format("15:04:05"), e.Kind)
}

// printHelp writes usage to w.
func printHelp(w *os.File, version string) {
	fmt.Fprintf(w, `basin %s - graph-directed pipeline runner

Usage:
  basin [flags] <pipeline.dot>
  basin -server [flags]

Flags:
  -server        Start HTTP server mode
  -validate      Validate pipeline without executing
  -resume        Resume from the last checkpoint
  -config PATH   YAML config file
  -logs DIR      Logs root directory
  -interviewer N Interviewer for human gates: console, auto
  -timeout D     Overall run timeout (e.g. 10m)
  -verbose       Print events as they happen
  -version       Print version and exit
`, version)
}
