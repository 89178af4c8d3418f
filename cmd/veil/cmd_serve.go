package main

// ---------------------------------------------------------------------------
// cmd_serve.go — run the engine and the host bridge
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/veilguard/veil/internal/api"
	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/guardian"
)

// loadConfig loads path and applies the common overrides.
func loadConfig(path, profile, logLevel string) *core.Config {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if profile != "" {
		cfg.Policy.Profile = strings.ToLower(profile)
	}
	if logLevel != "" {
		cfg.Logging.Level = strings.ToLower(logLevel)
	}
	if err := core.ValidateConfig(cfg); err != nil {
		errorf("%v", err)
	}
	return cfg
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	profile := fs.String("profile", "", "Identity profile override: native, reduced, alternate, bare")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config, then exit")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	noWatch := fs.Bool("no-watch", false, "Do not reload the config file on change")
	apiAddr := fs.String("api", "", "Serve the local HTTP API on this address")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg := loadConfig(*configPath, *profile, *logLevel)
	if *apiAddr != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = *apiAddr
	}

	engine, err := core.NewEngine(cfg, core.WithConfigPath(*configPath))
	if err != nil {
		errorf("creating engine: %v", err)
	}
	g, err := guardian.New(engine)
	if err != nil {
		errorf("creating guardian: %v", err)
	}

	if *dryRun {
		enabled := 0
		for _, mod := range engine.Registry.All() {
			if cfg.IsModuleEnabled(mod.Name()) {
				enabled++
			}
		}
		fmt.Fprintf(os.Stdout, "%s Config valid (profile %s). %d/%d modules enabled.\n",
			green("✓"), engine.Policy.Snapshot().Profile, enabled, engine.Registry.Count())
		os.Exit(0)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting veil...\n", dim("▸"))
	}
	if err := g.Start(); err != nil {
		errorf("starting: %v", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		api.Version = version
		apiServer = api.NewServer(engine, g)
		if err := apiServer.Start(); err != nil {
			g.Shutdown()
			errorf("starting API: %v", err)
		}
	}

	if !*noWatch {
		if _, statErr := os.Stat(*configPath); statErr == nil {
			if err := engine.WatchConfig(); err != nil {
				warnf("config hot reload disabled: %v", err)
			}
		}
	}

	if !*quiet {
		bridge := dim("bridge off (bus disabled)")
		if engine.Bus != nil {
			bridge = "bridge on " + engine.Bus.ClientURL()
		}
		fmt.Fprintf(os.Stderr, "%s veil running: profile %s, %d modules, %s\n",
			green("✓"), engine.Policy.Snapshot().Profile, engine.Registry.Count(), bridge)
		if apiServer != nil {
			fmt.Fprintf(os.Stderr, "%s API on http://%s\n", dim("▸"), apiServer.Addr())
		}
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	if !*quiet {
		fmt.Fprintf(os.Stderr, "\n%s Received %s, shutting down...\n", dim("▸"), sig)
	}
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			warnf("stopping API: %v", err)
		}
	}
	if err := g.Shutdown(); err != nil {
		errorf("shutdown: %v", err)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s veil stopped.\n", green("✓"))
	}
}
