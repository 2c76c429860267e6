// Command mcp-bridge serves every MCP stdio server found under a directory
// through one Streamable HTTP endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-bridge-go/pkg/discovery"
	mcpgateway "github.com/vikashloomba/mcp-bridge-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

// version is set at build time.
var version = "dev"

const banner = `
                                 _          _     _
  _ __ ___   ___ _ __          | |__  _ __(_) __| | __ _  ___
 | '_ ' _ \ / __| '_ \  _____  | '_ \| '__| |/ _' |/ _' |/ _ \
 | | | | | | (__| |_) ||_____| | |_) | |  | | (_| | (_| |  __/
 |_| |_| |_|\___| .__/         |_.__/|_|  |_|\__,_|\__, |\___|
                |_|                                |___/
`

const closeTimeout = 10 * time.Second

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: mcp-bridge [command] [-config path] [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve      Discover backends and serve them (default)")
	fmt.Fprintln(os.Stderr, "  health     Query a running gateway's health endpoint")
	fmt.Fprintln(os.Stderr, "  backends   Run discovery and print the backends found")
	fmt.Fprintln(os.Stderr, "  call       List or call one backend's tools without serving")
}

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	flags := flag.NewFlagSet("mcp-bridge "+cmd, flag.ExitOnError)
	flags.Usage = usage
	configFlag := flags.String("config", "", "path to the YAML config file")
	_ = flags.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := getConfigPath(*configFlag)
	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, configPath)
	case "health":
		err = runHealth(ctx, configPath, os.Stdout)
	case "backends":
		err = runBackends(ctx, configPath, os.Stdout)
	case "call":
		err = runCall(ctx, configPath, flags.Args(), os.Stdout)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	res, err := discover(ctx, cfg, logger)
	if err != nil {
		return err
	}
	backends := cfg.Apply(res.Backends)

	mgrOpts := cfg.ManagerOptions()
	mgrOpts.Logger = logger.With("component", "manager")
	manager := mcpmgr.NewManager(mgrOpts)
	// Every child dies with the gateway, panics included.
	defer func() {
		if r := recover(); r != nil {
			_ = manager.CloseTimeout(closeTimeout)
			panic(r)
		}
		if cerr := manager.CloseTimeout(closeTimeout); cerr != nil {
			logger.Warn("closing backends", "error", cerr)
		}
	}()
	for _, b := range backends {
		if err := manager.AddBackend(b); err != nil {
			logger.Warn("backend rejected", "backend", b.Name, "error", err)
		}
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Servers:    %s\n", cfg.Servers.Dir)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       http://%s%s\n", cfg.Server.Addr(), cfg.Server.Path)
	green.Print("    ▶ ")
	fmt.Printf("Backends:   %d", len(backends))
	if len(res.Excluded) > 0 {
		yellow.Printf(" (%d excluded)", len(res.Excluded))
	}
	fmt.Println()
	if cfg.Server.InactivityTimeout > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Inactivity: %s\n", cfg.Server.InactivityTimeout)
	}
	fmt.Println()

	gw, err := mcpgateway.NewGateway(manager, &mcpgateway.Options{
		Implementation:    &mcp.Implementation{Name: "mcp-bridge", Title: "MCP Bridge", Version: version},
		Addr:              cfg.Server.Addr(),
		Path:              cfg.Server.Path,
		HealthPath:        cfg.Server.HealthPath,
		Namespace:         mcpgateway.ServerPrefixNamespace{Separator: cfg.Server.NamespaceSeparator},
		AutoStart:         true,
		Stateless:         cfg.Server.Stateless,
		PreferEventStream: cfg.Server.PreferEventStream,
		SessionTTL:        cfg.Server.SessionTTL,
		InactivityTimeout: cfg.Server.InactivityTimeout,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Logger:            logger.With("component", "gateway"),
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	logger.Info("starting mcp-bridge",
		"addr", cfg.Server.Addr(),
		"path", cfg.Server.Path,
		"backends", len(backends),
		"tools", len(gw.Router().Tools()),
	)

	err = gw.ListenAndServe(ctx)
	switch {
	case errors.Is(err, mcpgateway.ErrInactivityShutdown):
		logger.Info("shut down after inactivity", "timeout", cfg.Server.InactivityTimeout)
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("shutting down")
		return nil
	}
	return err
}

func discover(ctx context.Context, cfg *Config, logger *slog.Logger) (*discovery.Result, error) {
	res, err := discovery.Discover(ctx, discovery.Options{
		Dir:          cfg.Servers.Dir,
		Python:       cfg.Servers.Python,
		Node:         cfg.Servers.Node,
		RunSetup:     cfg.Servers.RunSetup,
		SetupTimeout: cfg.Servers.SetupTimeout,
		PassEnv:      cfg.Servers.PassEnv,
		Logger:       logger.With("component", "discovery"),
	})
	if err != nil {
		return nil, fmt.Errorf("discovering backends: %w", err)
	}
	return res, nil
}

func runHealth(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, cfg.Server.Port, cfg.Server.HealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var report mcpgateway.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("decoding health report: %w", err)
	}
	printHealth(out, report)
	return nil
}

func printHealth(out io.Writer, report mcpgateway.HealthReport) {
	status := color.GreenString(report.Status)
	if report.Status != "ok" {
		status = color.YellowString(report.Status)
	}
	fmt.Fprintf(out, "status:    %s\n", status)
	fmt.Fprintf(out, "uptime:    %s\n", time.Duration(report.UptimeSeconds*float64(time.Second)).Truncate(time.Second))
	fmt.Fprintf(out, "sessions:  %d\n", report.ActiveSessions)
	fmt.Fprintf(out, "processes: %d\n", report.LiveProcesses)
	fmt.Fprintf(out, "tools:     %d (build %d)\n", report.Catalog.Tools, report.Catalog.Build)
	if report.TimeUntilTimeout >= 0 {
		fmt.Fprintf(out, "idle in:   %.0fs\n", report.TimeUntilTimeout)
	}
	for _, b := range report.Backends {
		line := fmt.Sprintf("  %-20s %-9s ready=%d busy=%d", b.Name, b.Status, b.Processes.Ready, b.Processes.Busy)
		if b.Status == mcpmgr.StatusFailed {
			fmt.Fprintln(out, color.RedString("%s", line), color.HiBlackString(b.Error))
			continue
		}
		fmt.Fprintln(out, line)
	}
}

func runBackends(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stderr)
	res, err := discover(ctx, cfg, logger)
	if err != nil {
		return err
	}
	report := struct {
		Backends []discovery.Summary   `json:"backends"`
		Excluded []discovery.Exclusion `json:"excluded"`
	}{
		Backends: discovery.Summaries(cfg.Apply(res.Backends)),
		Excluded: res.Excluded,
	}
	if report.Excluded == nil {
		report.Excluded = []discovery.Exclusion{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
