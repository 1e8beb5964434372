// park2mqtt bridges the 2Park parking service into Home Assistant.
//
// It polls the 2Park web API for parking products, balances, and
// member sessions, projects them as HA entities via MQTT discovery,
// and accepts start/stop parking commands back over MQTT.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	park2mqtt login          Verify credentials and discover products
//	park2mqtt serve          Start the bridge daemon
//	park2mqtt version        Print version and build information
//	park2mqtt -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/park2mqtt/internal/buildinfo"
	"github.com/nugget/park2mqtt/internal/command"
	"github.com/nugget/park2mqtt/internal/config"
	"github.com/nugget/park2mqtt/internal/connwatch"
	"github.com/nugget/park2mqtt/internal/mqtt"
	"github.com/nugget/park2mqtt/internal/poll"
	"github.com/nugget/park2mqtt/internal/store"
	"github.com/nugget/park2mqtt/internal/twopark"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the park2mqtt command. All OS-level
// dependencies are injected as parameters so tests can drive the full
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals (flag.CommandLine), which makes it impossible
// to call run() concurrently from tests, and the argument surface is
// small enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var cmdName string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
		case !strings.HasPrefix(args[i], "-") && cmdName == "":
			cmdName = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch cmdName {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "login":
		return runLogin(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", cmdName)
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
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "park2mqtt - 2Park to Home Assistant MQTT bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: park2mqtt [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  login        Verify 2Park credentials and discover parking products")
	fmt.Fprintln(w, "  serve        Start the bridge daemon")
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

// runLogin handles the "park2mqtt login" subcommand. It verifies the
// configured credentials against the 2Park portal, discovers the
// account's parking products, and persists the catalog so serve can
// start without hitting the category endpoints. Run it once before the
// first serve and again whenever products change on the 2Park side.
func runLogin(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Using config %s\n", cfgPath)

	client, err := twopark.NewClient(cfg.TwoPark.BaseURL, cfg.TwoPark.Locale, logger)
	if err != nil {
		return fmt.Errorf("create 2park client: %w", err)
	}

	if err := client.Authenticate(ctx, cfg.TwoPark.Email, cfg.TwoPark.Password); err != nil {
		var authErr *twopark.AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("2park rejected the credentials: %s", authErr.Message)
		}
		return fmt.Errorf("authenticate: %w", err)
	}
	fmt.Fprintf(stdout, "Authenticated as %s\n", cfg.TwoPark.Email)

	products, err := client.GetCategories(ctx)
	if err != nil {
		return fmt.Errorf("discover products: %w", err)
	}
	if len(products) == 0 {
		return fmt.Errorf("account has no parking products")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "park2mqtt.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	if err := st.SaveProducts(products); err != nil {
		return fmt.Errorf("save products: %w", err)
	}

	fmt.Fprintf(stdout, "Discovered %d parking product(s):\n", len(products))
	for _, p := range products {
		kind := "registered plates"
		if poll.IsFLPN(p.Options) {
			kind = "visitor parking"
		}
		fmt.Fprintf(stdout, "  %-24s %s (%s)\n", p.ID, p.Name, kind)
	}
	return nil
}

// runServe handles the "park2mqtt serve" subcommand. It is the primary
// operating mode: loads config and the product catalog, starts the
// polling coordinator and the MQTT bridge, and blocks until a shutdown
// signal arrives or re-authentication fails permanently.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting park2mqtt",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		// ParseLogLevel is already validated by config.Validate(), so
		// this error path should be unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "broker", cfg.MQTT.Broker)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- State store ---
	// Product catalog from the login flow plus runtime settings (the
	// refresh-interval override set from HA).
	st, err := store.Open(filepath.Join(cfg.DataDir, "park2mqtt.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	products, err := st.LoadProducts()
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	if len(products) == 0 {
		return fmt.Errorf("no parking products found, run \"park2mqtt login\" first")
	}
	logger.Info("product catalog loaded", "products", len(products))

	// The interval set from HA wins over the config file once it has
	// been changed at least once.
	intervalMin := config.ClampRefreshInterval(cfg.RefreshIntervalMin)
	if persisted, err := st.RefreshInterval(); err != nil {
		logger.Warn("read persisted refresh interval", "error", err)
	} else if persisted > 0 {
		intervalMin = config.ClampRefreshInterval(persisted)
	}

	// --- 2Park client and polling coordinator ---
	client, err := twopark.NewClient(cfg.TwoPark.BaseURL, cfg.TwoPark.Locale, logger)
	if err != nil {
		return fmt.Errorf("create 2park client: %w", err)
	}

	coord := poll.New(poll.Config{
		API: client,
		Credentials: poll.Credentials{
			Email:    cfg.TwoPark.Email,
			Password: cfg.TwoPark.Password,
		},
		Products: products,
		Interval: time.Duration(intervalMin) * time.Minute,
		Logger:   logger,
	})

	// --- Command dispatch ---
	selections := command.NewSelectionStore()
	dispatcher := command.NewDispatcher(client, coord, selections, products, logger)

	// --- MQTT bridge ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	bridge := mqtt.NewBridge(mqtt.BridgeConfig{
		MQTT:        cfg.MQTT,
		InstanceID:  instanceID,
		Products:    products,
		Coordinator: coord,
		Dispatcher:  dispatcher,
		Selections:  selections,
		Settings:    st,
		Logger:      logger,
	})

	// --- Signal handling ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Connection resilience ---
	// Background health monitoring for the 2Park portal and the MQTT
	// broker. A portal recovery triggers an immediate refresh so HA
	// catches up without waiting for the next poll tick.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "2park",
		Probe: func(pCtx context.Context) error { return client.Ping(pCtx) },
		OnReady: func() {
			coord.RequestRefresh()
		},
		Logger: logger,
	})

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return bridge.AwaitConnection(awaitCtx)
		},
		Logger: logger,
	})

	// --- Run ---
	// The coordinator and the bridge each block until ctx is cancelled.
	// A coordinator error means re-authentication failed permanently
	// and the daemon cannot make progress without new credentials.
	coordErr := make(chan error, 1)
	go func() { coordErr <- coord.Run(ctx) }()

	bridgeErr := make(chan error, 1)
	go func() { bridgeErr <- bridge.Start(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-coordErr:
		if err != nil {
			if errors.Is(err, poll.ErrAuthFailed) {
				runErr = fmt.Errorf("2park authentication failed, check credentials and run \"park2mqtt login\": %w", err)
			} else {
				runErr = fmt.Errorf("coordinator failed: %w", err)
			}
		}
	case err := <-bridgeErr:
		if err != nil && ctx.Err() == nil {
			runErr = fmt.Errorf("mqtt bridge failed: %w", err)
		}
	}
	cancel()

	// Publish the offline availability message before disconnecting.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := bridge.Stop(stopCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}

	logger.Info("park2mqtt stopped")
	return runErr
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
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
