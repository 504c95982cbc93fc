package main

// ---------------------------------------------------------------------------
// cmd_config.go — show, validate, or write configuration
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gatewarden-project/gatewarden/internal/core"
)

func cmdConfig(args []string) {
	if len(args) > 0 && args[0] == "init" {
		cmdConfigInit(args[1:])
		return
	}

	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	validate := fs.Bool("validate", false, "Validate config and exit")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

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
		warnings, validationErrs := cfg.Validate()
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
		if len(validationErrs) > 0 {
			for _, e := range validationErrs {
				fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
			}
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s Config valid.\n", green("✓"))
		return
	}

	// Never print API keys
	safeCfg := *cfg
	if len(safeCfg.Server.APIKeys) > 0 {
		safeCfg.Server.APIKeys = []string{fmt.Sprintf("<%d key(s) configured>", len(cfg.Server.APIKeys))}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(safeCfg)
		return
	}

	out, err := yaml.Marshal(safeCfg)
	if err != nil {
		errorf("marshaling config: %v", err)
	}
	os.Stdout.Write(out)
}

// cmdConfigInit writes the default configuration to a file.
func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	output := fs.String("output", "configs/default.yaml", "Destination path")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		errorf("%s already exists (use -force to overwrite)", *output)
	}

	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			errorf("creating %s: %v", dir, err)
		}
	}

	if err := core.SaveConfig(core.DefaultConfig(), *output); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote default config to %s\n", green("✓"), *output)
}
