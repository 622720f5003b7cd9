package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/fabricgw/internal/config"
	"github.com/mattjoyce/fabricgw/internal/fabric"
	"github.com/mattjoyce/fabricgw/internal/lock"
	"github.com/mattjoyce/fabricgw/internal/log"
	"github.com/mattjoyce/fabricgw/internal/server"
	"github.com/mattjoyce/fabricgw/internal/session"
	"github.com/mattjoyce/fabricgw/internal/storage"
	"github.com/mattjoyce/fabricgw/internal/telemetry"
	"github.com/mattjoyce/fabricgw/internal/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `fabricgw - WebSocket gateway for a shared device fabric controller

Usage:
  fabricgw <noun> <action> [flags]

System Commands:
  system start      Start the gateway in the foreground
  system watch      Live node and event monitor (TUI)

Config Commands:
  config check      Validate the effective configuration and print its digest
  config show       Print the effective configuration (secrets redacted)

Aliases:
  start             Same as 'system start'
  watch             Same as 'system watch'

General:
  version           Show server and fabric engine versions
  help              Show this help message

Use 'fabricgw <noun> help' or '<command> --help' for flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	action, actionArgs := args[0], args[1:]

	switch action {
	case "start":
		return runStart(actionArgs)
	case "watch":
		return runWatch(actionArgs)
	case "help", "--help", "-h":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	action, actionArgs := args[0], args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	case "help", "--help", "-h":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: fabricgw system <start|watch> [flags]")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: fabricgw config <check|show> [flags]")
}

// --- VERSION ---

type versionInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	SDKVersion    string `json:"sdk_version"`
	SchemaVersion int    `json:"schema_version"`
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:       strings.TrimSpace(version),
		Commit:        strings.TrimSpace(gitCommit),
		SDKVersion:    fabric.EngineVersion,
		SchemaVersion: fabric.SchemaVersion,
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}
	if info.Commit == "" || info.Commit == "unknown" {
		info.Commit = "unknown"
		if rev := readBuildSetting("vcs.revision"); rev != "" {
			info.Commit = rev[:min(len(rev), 12)]
		}
	}
	return info
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

func runVersion(args []string) int {
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
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

	fmt.Printf("fabricgw %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("sdk: %s (schema %d)\n", info.SDKVersion, info.SchemaVersion)
	return 0
}

// --- CONFIG ---

// loadConfig parses the server flags in args and builds the effective
// configuration. An empty --config falls back to discovery.
func loadConfig(name string, args []string, extra func(*pflag.FlagSet)) (*config.Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	path := flags.ConfigPath
	if path == "" {
		discovered, err := config.DiscoverConfigFile()
		if err != nil {
			return nil, fmt.Errorf("discover config: %w", err)
		}
		path = discovered
	}
	return config.Load(path, flags)
}

func runConfigCheck(args []string) int {
	var expect string
	cfg, err := loadConfig("check", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&expect, "expect", "", "fail unless the config file has this BLAKE3 hash")
	})
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	if expect != "" {
		if cfg.SourceFile == "" {
			fmt.Fprintln(os.Stderr, "Configuration invalid: --expect needs a config file")
			return 1
		}
		if err := config.VerifyFileHash(cfg.SourceFile, expect); err != nil {
			fmt.Fprintf(os.Stderr, "Integrity check failed: %v\n", err)
			return 1
		}
	}

	digest, err := cfg.Digest()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to compute digest: %v\n", err)
		return 1
	}

	source := cfg.SourceFile
	if source == "" {
		source = "(defaults)"
	}
	fmt.Println("Configuration OK")
	fmt.Printf("source: %s\n", source)
	if cfg.SourceFile != "" {
		if fileHash, err := config.ComputeBlake3Hash(cfg.SourceFile); err == nil {
			fmt.Printf("file_hash: %s\n", fileHash)
		}
	}
	fmt.Printf("digest: %s\n", digest)
	return 0
}

func runConfigShow(args []string) int {
	cfg, err := loadConfig("show", args, nil)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	data, err := cfg.Redacted().YAML()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// --- WATCH ---

func runWatch(args []string) int {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	url := fs.String("url", fmt.Sprintf("ws://127.0.0.1:%d/ws", config.DefaultPort), "gateway WebSocket URL")
	token := fs.String("token", os.Getenv("FABRICGW_TOKEN"), "bearer token (default $FABRICGW_TOKEN)")
	if err := fs.Parse(args); errors.Is(err, pflag.ErrHelp) {
		return 0
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*url, *token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- START ---

func runStart(args []string) int {
	cfg, err := loadConfig("start", args, nil)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := log.Setup(log.Options{
		Level:  cfg.Service.LogLevel,
		Format: cfg.Service.LogFormat,
		File:   cfg.Service.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer func() { _ = log.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithComponent("main").Error("fabricgw stopped with error", "error", err)
		return 1
	}
	return 0
}

// run starts every component and blocks until ctx is cancelled or one of
// them fails. It then shuts the session layer down before releasing the
// fabric and the storage lock.
func run(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("main")
	info := currentVersionInfo()
	logger.Info("fabricgw starting",
		"version", info.Version,
		"sdk_version", info.SDKVersion,
		"config", cfg.SourceFile,
		"storage_path", cfg.Fabric.StoragePath,
	)

	storageLock, err := lock.Acquire(cfg.Fabric.StoragePath)
	if err != nil {
		return fmt.Errorf("lock storage path: %w", err)
	}
	defer func() { _ = storageLock.Release() }()
	logger.Info("acquired storage lock", "path", storageLock.Path())

	dbPath := filepath.Join(cfg.Fabric.StoragePath, storage.DatabaseFile)
	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open fabric store: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
		ServiceName: cfg.Service.Name,
		Version:     info.Version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	engine, err := fabric.New(ctx, db, fabric.Options{
		VendorID:         cfg.Fabric.VendorID,
		FabricID:         cfg.Fabric.FabricID,
		FabricLabel:      cfg.Fabric.Label,
		BluetoothAdapter: cfg.Fabric.BluetoothAdapter,
		EnableTestNetDCL: cfg.Fabric.EnableTestNetDCL,
		DisableOTA:       cfg.Fabric.DisableOTA,
		OTAProviderDir:   cfg.Fabric.OTAProviderDir,
		PrimaryInterface: cfg.Fabric.PrimaryInterface,
		Latency:          cfg.Fabric.Latency,
	})
	if err != nil {
		return fmt.Errorf("start fabric: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("fabric close failed", "error", err)
		}
	}()
	serverInfo := engine.ServerInfo()
	logger.Info("fabric ready",
		"fabric_id", serverInfo.FabricID,
		"compressed_fabric_id", serverInfo.CompressedFabricID,
		"nodes", engine.NodeCount(),
	)

	coord := session.New(engine, session.Config{
		Mode:            session.Mode(cfg.Dispatch.Mode),
		DefaultTimeout:  cfg.Dispatch.DefaultTimeout,
		Timeouts:        cfg.Dispatch.Timeouts,
		DrainTimeout:    cfg.Dispatch.DrainTimeout,
		EventQueue:      cfg.Dispatch.EventQueue,
		ResponseBacklog: cfg.Dispatch.ResponseBacklog,
	},
		session.WithGreeting(func() any { return engine.ServerInfo() }),
		session.WithTracer(otel.Tracer("fabricgw")),
	)

	srv := server.New(server.Config{
		ListenAddresses:  cfg.Server.ListenAddresses,
		Port:             cfg.Server.Port,
		Path:             cfg.Server.Path,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		ReadLimit:        cfg.Server.ReadLimit,
		PingInterval:     cfg.Server.PingInterval,
		WriteTimeout:     cfg.Server.WriteTimeout,
		DisableDashboard: cfg.Server.DisableDashboard,
		APIKey:           cfg.Auth.APIKey,
		Tokens:           cfg.Auth.Tokens,
	}, coord, engine, log.WithComponent("server"))

	// The session loop outlives ctx so Shutdown can drain through it.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(context.Background())
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout+cfg.Server.WriteTimeout+5*time.Second)
		defer cancel()
		return coord.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("fabricgw stopped")
	return err
}
