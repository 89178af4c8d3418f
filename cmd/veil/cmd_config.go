package main

// ---------------------------------------------------------------------------
// cmd_config.go — show, validate or initialize configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/veilguard/veil/internal/core"
)

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	initPath := fs.String("init", "", "Write the default configuration to this path")
	force := fs.Bool("force", false, "Overwrite an existing file with --init")
	validate := fs.Bool("validate", false, "Validate config and exit")
	fs.Parse(args)

	if *initPath != "" {
		if _, err := os.Stat(*initPath); err == nil && !*force {
			errorf("%s already exists (use --force to overwrite)", *initPath)
		}
		if err := core.SaveConfig(core.DefaultConfig(), *initPath); err != nil {
			errorf("writing config: %v", err)
		}
		fmt.Fprintf(os.Stdout, "%s Wrote default configuration to %s\n", green("✓"), *initPath)
		return
	}

	*configPath = envConfig(*configPath)
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		if *validate {
			fmt.Fprintf(os.Stderr, "%s Config invalid: %v\n", red("✗"), err)
			os.Exit(1)
		}
		errorf("loading config: %v", err)
	}

	if *validate {
		enabled := 0
		for _, mod := range cfg.Modules {
			if mod.Enabled {
				enabled++
			}
		}
		fmt.Fprintf(os.Stdout, "%s Config valid (%s). Profile %s, %d/%d modules enabled.\n",
			green("✓"), *configPath, cfg.Policy.Profile, enabled, len(cfg.Modules))
		return
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		errorf("encoding config: %v", err)
	}
	os.Stdout.Write(data)
}
