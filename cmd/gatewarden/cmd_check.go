package main

// ---------------------------------------------------------------------------
// cmd_check.go — pre-flight diagnostics and offline probes
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gatewarden-project/gatewarden/internal/core"
	"github.com/gatewarden-project/gatewarden/internal/guard/payment"
	"github.com/gatewarden-project/gatewarden/internal/guard/sanitize"
)

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	jsonOut := fs.Bool("json", false, "Output results as JSON")
	input := fs.String("input", "", "Run a string through the attack pattern libraries and exit")
	card := fs.String("card", "", "Validate a card number offline and exit")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *input != "" {
		probeInput(*configPath, *input, *jsonOut)
		return
	}
	if *card != "" {
		probeCard(*card, *jsonOut)
		return
	}

	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Detail string `json:"detail,omitempty"`
	}

	results := make([]checkResult, 0)
	pass := func(name, detail string) { results = append(results, checkResult{name, "pass", detail}) }
	fail := func(name, detail string) { results = append(results, checkResult{name, "fail", detail}) }
	warn := func(name, detail string) { results = append(results, checkResult{name, "warn", detail}) }

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fail("config", fmt.Sprintf("failed to load %s: %v", *configPath, err))
	} else {
		pass("config", fmt.Sprintf("loaded %s", *configPath))
	}

	if cfg != nil {
		warnings, validationErrs := cfg.Validate()
		for _, w := range warnings {
			warn("config_validate", w)
		}
		for _, e := range validationErrs {
			fail("config_validate", e)
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			fail("server_port", fmt.Sprintf("port %d is already in use", cfg.Server.Port))
		} else {
			ln.Close()
			pass("server_port", fmt.Sprintf("port %d is available", cfg.Server.Port))
		}

		if cfg.Audit.Sink == "bus" && cfg.Bus.Embedded {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Bus.Port))
			if err != nil {
				fail("bus_port", fmt.Sprintf("port %d is already in use", cfg.Bus.Port))
			} else {
				ln.Close()
				pass("bus_port", fmt.Sprintf("port %d is available", cfg.Bus.Port))
			}

			if err := os.MkdirAll(cfg.Bus.DataDir, 0755); err != nil {
				fail("data_dir", fmt.Sprintf("cannot create %s: %v", cfg.Bus.DataDir, err))
			} else {
				pass("data_dir", fmt.Sprintf("%s is writable", cfg.Bus.DataDir))
			}
		}

		if cfg.Audit.Sink == "file" {
			f, err := os.OpenFile(cfg.Audit.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				fail("audit_file", fmt.Sprintf("cannot open %s: %v", cfg.Audit.FilePath, err))
			} else {
				f.Close()
				pass("audit_file", fmt.Sprintf("%s is writable", cfg.Audit.FilePath))
			}
		}
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(results)
	} else {
		for _, r := range results {
			mark := green("✓")
			switch r.Status {
			case "fail":
				mark = red("✗")
			case "warn":
				mark = yellow("⚠")
			}
			fmt.Fprintf(os.Stdout, "%s %-16s %s\n", mark, r.Name, r.Detail)
		}
	}

	for _, r := range results {
		if r.Status == "fail" {
			os.Exit(1)
		}
	}
}

// probeInput runs one string through the compiled pattern libraries without
// starting any servers.
func probeInput(configPath, input string, jsonOut bool) {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	s := sanitize.NewSanitizer(cfg.Sanitizer, nil, zerolog.Nop())
	hits := s.Inspect(input)
	cleaned := s.SanitizeString(input)

	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"input":     input,
			"matched":   hits,
			"sanitized": cleaned,
		})
		return
	}

	if len(hits) == 0 {
		fmt.Fprintf(os.Stdout, "%s no attack patterns matched\n", green("✓"))
	} else {
		fmt.Fprintf(os.Stdout, "%s matched: %s\n", red("✗"), strings.Join(hits, ", "))
	}
	if cleaned != input {
		fmt.Fprintf(os.Stdout, "%s sanitized form: %s\n", yellow("⚠"), cleaned)
	}
}

// probeCard checks a card number's brand and checksum offline. Only the
// masked form is printed.
func probeCard(number string, jsonOut bool) {
	digits := strings.NewReplacer(" ", "", "-", "").Replace(number)
	brand := payment.DetectBrand(digits)
	luhn := payment.LuhnValid(digits)
	masked := payment.MaskNumber(digits)

	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"masked":         masked,
			"brand":          brand,
			"checksum_valid": luhn,
		})
		return
	}

	switch {
	case brand == payment.BrandUnknown:
		fmt.Fprintf(os.Stdout, "%s %s — unrecognized card number format\n", red("✗"), masked)
	case !luhn:
		fmt.Fprintf(os.Stdout, "%s %s — brand %s, checksum failed\n", red("✗"), masked, brand)
	default:
		fmt.Fprintf(os.Stdout, "%s %s — brand %s, checksum valid\n", green("✓"), masked, brand)
	}
}
