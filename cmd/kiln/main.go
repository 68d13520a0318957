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
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/kiln/internal/builds"
	"github.com/mattjoyce/kiln/internal/client"
	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/daemon"
	"github.com/mattjoyce/kiln/internal/doctor"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/inspect"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/protocol"
	"github.com/mattjoyce/kiln/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// daemonLogFile receives the daemon's own JSON log.
const daemonLogFile = "daemon.log"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "build":
		return runBuild(args)
	case "daemon":
		return runDaemon(args)
	case "stop":
		return runStop(args)
	case "status":
		return runStatus(args)
	case "watch":
		return runWatch(args)
	case "history":
		return runHistory(args)
	case "inspect":
		return runInspect(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`kiln - persistent build daemon

Usage:
  kiln <command> [flags]

Commands:
  build CLASS...   Run test classes on the daemon, starting it if needed
  daemon           Run the daemon in the foreground
  stop             Stop the running daemon
  status           Show the running daemon
  watch            Stream daemon lifecycle events
  history          List recent builds
  inspect BUILD_ID Show the tests of a recorded build
  config show      Print the resolved configuration
  config check     Check the configuration against this machine
  version          Show version information

Common flags:
  --config PATH    Configuration file (default: discovered, see KILN_CONFIG)

Run 'kiln <command> --help' for command flags.
`)
}

// --- build ---

func runBuild(args []string) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	logLevel := fs.String("log-level", "info", "Daemon output relayed during the build (debug|info|warn|error)")
	maxWorkers := fs.Int("max-workers", 0, "Upper bound on parallel test workers (0: daemon default)")
	noSpawn := fs.Bool("no-daemon-spawn", false, "Fail instead of starting a daemon")
	startupLog := fs.String("startup-log", "", "Greet through this file when starting a daemon")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: kiln build [flags] CLASS...")
		return 1
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.SetupWriter("ERROR", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Ensure(ctx, cfg, !*noSpawn, client.SpawnOptions{
		ConfigPath: cfg.SourcePath,
		StartupLog: *startupLog,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	result, err := c.Build(ctx, protocol.BuildRequest{
		Classes:    fs.Args(),
		LogLevel:   *logLevel,
		MaxWorkers: *maxWorkers,
	}, func(ev log.OutputEvent) {
		fmt.Println(log.FormatEvent(ev))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	printBuildResult(os.Stdout, result)
	if !result.Succeeded() {
		return 2
	}
	return 0
}

func printBuildResult(w io.Writer, r protocol.BuildResult) {
	fmt.Fprintf(w, "\nBUILD %s in %s\n", strings.ToUpper(r.Status), (time.Duration(r.DurationMS) * time.Millisecond).String())
	fmt.Fprintf(w, "%d tests completed, %d passed, %d failed, %d skipped\n", r.Tests, r.Passed, r.Failed, r.Skipped)
	if r.Error != "" {
		fmt.Fprintf(w, "%s\n", r.Error)
	}
}

// --- daemon ---

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	startupLog := fs.String("startup-log", "", "Write the startup greeting to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	greeting := io.WriteCloser(os.Stdout)
	if *startupLog != "" {
		f, err := os.OpenFile(*startupLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open startup log: %v\n", err)
			return 1
		}
		greeting = f
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		failStartup(greeting, fmt.Errorf("load config: %w", err))
		return 1
	}
	if *startupLog != "" {
		cfg.Daemon.StartupLog = *startupLog
	}

	if err := os.MkdirAll(cfg.Daemon.Dir, 0o700); err != nil {
		failStartup(greeting, fmt.Errorf("create daemon directory: %w", err))
		return 1
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.Daemon.Dir, daemonLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		failStartup(greeting, fmt.Errorf("open daemon log: %w", err))
		return 1
	}
	defer logFile.Close()
	log.SetupWriter(cfg.Service.LogLevel, logFile)

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		Version:    currentVersionInfo().Version,
		Greeting:   greeting,
		StartupLog: *startupLog != "",
	})
	if err != nil {
		failStartup(greeting, err)
		return 1
	}
	log.Attach(d.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited", "error", err)
		return 1
	}
	return 0
}

func failStartup(greeting io.WriteCloser, err error) {
	fmt.Fprintf(greeting, "kiln daemon: %v\n", err)
	_ = greeting.Close()
}

// --- stop / status / watch ---

func connect(configPath string) (*client.Client, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return client.Connect(context.Background(), cfg)
}

func runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	c, err := connect(*configPath)
	if errors.Is(err, client.ErrNoDaemon) {
		fmt.Println("No daemon running.")
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := c.Stop(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stop daemon: %v\n", err)
		return 1
	}
	fmt.Printf("Daemon pid %d stopping.\n", c.Registry.PID)
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output status as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	c, err := connect(*configPath)
	if errors.Is(err, client.ErrNoDaemon) {
		if *jsonOut {
			fmt.Println(`{"running":false}`)
		} else {
			fmt.Println("No daemon running.")
		}
		return 3
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	st, err := c.Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get status: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	state := "idle"
	if st.Busy {
		state = "busy"
		if st.CurrentID != "" {
			state += " (build " + st.CurrentID + ")"
		}
	}
	fmt.Printf("pid:         %d\n", st.PID)
	fmt.Printf("address:     %s\n", st.Addr)
	fmt.Printf("version:     %s\n", st.Version)
	fmt.Printf("uptime:      %s\n", st.Uptime)
	fmt.Printf("state:       %s\n", state)
	fmt.Printf("builds:      %d\n", st.Builds)
	fmt.Printf("max workers: %d\n", st.MaxWorkers)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	since := fs.Int64("since", 0, "Replay buffered events after this ID")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	c, err := connect(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = c.Watch(ctx, *since, func(ev events.Event) {
		fmt.Printf("%d %s %s %s\n", ev.ID, ev.At.Local().Format("15:04:05"), ev.Type, string(ev.Data))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// --- history ---

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 10, "Number of builds to show")
	jsonOut := fs.Bool("json", false, "Output builds as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	recent, err := builds.New(db).Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(recent, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(recent) == 0 {
		fmt.Println("No builds recorded.")
		return 0
	}
	for _, b := range recent {
		fmt.Printf("%s  %-11s  %s  %d tests, %d failed  %s\n",
			b.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			b.Status,
			b.ID,
			b.Counts.Tests,
			b.Counts.Failed,
			strings.Join(b.Classes, ","),
		)
	}
	return 0
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: kiln inspect [--json] BUILD_ID")
		return 1
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	render := inspect.BuildReport
	if *jsonOut {
		render = inspect.BuildJSONReport
	}
	out, err := render(ctx, builds.New(db), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

// --- config ---

func runConfigNoun(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: kiln config <show|check> [--config PATH] [--json]")
		return 1
	}
	switch args[0] {
	case "show":
		return runConfigShow(args[1:])
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	fingerprint, err := config.Fingerprint(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]any{"config": cfg, "fingerprint": fingerprint, "source": cfg.SourcePath}, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	data, _ := yaml.Marshal(cfg)
	source := cfg.SourcePath
	if source == "" {
		source = "(defaults)"
	}
	fmt.Printf("# source: %s\n# fingerprint: %s\n", source, fingerprint)
	fmt.Print(string(data))
	return 0
}

// --- version ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: kiln version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("kiln %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
