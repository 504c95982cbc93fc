package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire Gatewarden configuration. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Limits    LimitsConfig    `yaml:"limits"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Sanitizer SanitizerConfig `yaml:"sanitizer"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BusConfig holds NATS audit bus settings.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// LimitRule is the immutable per-endpoint-class rate limit rule.
type LimitRule struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// LimitsConfig holds per-endpoint-class rate limit rules and the sweep
// cadence for stale counters.
type LimitsConfig struct {
	Rules         map[string]LimitRule `yaml:"rules"`
	SweepInterval time.Duration        `yaml:"sweep_interval"`
}

// Rule returns the rule for an endpoint class, falling back to "general".
func (lc LimitsConfig) Rule(class string) LimitRule {
	if r, ok := lc.Rules[class]; ok {
		return r
	}
	return lc.Rules["general"]
}

// AnomalyConfig holds the DDoS/bot detector thresholds.
type AnomalyConfig struct {
	DetectionWindow time.Duration `yaml:"detection_window"`
	BlockDuration   time.Duration `yaml:"block_duration"`
	MinInterval     time.Duration `yaml:"min_interval"`
	MaxRequests     int           `yaml:"max_requests"`
	PatternCeiling  int           `yaml:"pattern_ceiling"`
	MaxQueryParams  int           `yaml:"max_query_params"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
}

// SanitizerConfig holds input sanitizer settings.
type SanitizerConfig struct {
	ExemptPaths    []string `yaml:"exempt_paths"`
	AllowedSchemes []string `yaml:"allowed_schemes"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// AuditConfig holds audit recorder settings.
type AuditConfig struct {
	Sink         string `yaml:"sink"` // "bus", "file", or "console"
	FilePath     string `yaml:"file_path"`
	QueueSize    int    `yaml:"queue_size"`
	EventsPerSec int    `yaml:"events_per_sec"`
	BurstSize    int    `yaml:"burst_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1820,
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Limits: LimitsConfig{
			Rules: map[string]LimitRule{
				"auth":         {MaxRequests: 10, Window: time.Minute},
				"payment":      {MaxRequests: 15, Window: time.Minute},
				"admin":        {MaxRequests: 30, Window: time.Minute},
				"products":     {MaxRequests: 200, Window: time.Minute},
				"orders":       {MaxRequests: 60, Window: time.Minute},
				"appointments": {MaxRequests: 60, Window: time.Minute},
				"courses":      {MaxRequests: 100, Window: time.Minute},
				"cart":         {MaxRequests: 120, Window: time.Minute},
				"general":      {MaxRequests: 100, Window: time.Minute},
			},
			SweepInterval: 5 * time.Minute,
		},
		Anomaly: AnomalyConfig{
			DetectionWindow: time.Minute,
			BlockDuration:   10 * time.Minute,
			MinInterval:     100 * time.Millisecond,
			MaxRequests:     300,
			PatternCeiling:  3,
			MaxQueryParams:  20,
			SweepInterval:   time.Minute,
			StaleAfter:      time.Hour,
		},
		Sanitizer: SanitizerConfig{
			ExemptPaths:    []string{"/health", "/api/docs"},
			AllowedSchemes: []string{"http", "https", "mailto"},
			MaxBodyBytes:   1 << 20, // 1MB
		},
		Audit: AuditConfig{
			Sink:         "bus",
			FilePath:     "./data/audit.log",
			QueueSize:    4096,
			EventsPerSec: 500,
			BurstSize:    1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	// Load API keys from environment if not set in config
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("GATEWARDEN_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports non-fatal warnings and fatal errors in the configuration.
func (c *Config) Validate() (warnings []string, errors []string) {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port %d is out of range (1-65535)", c.Server.Port))
	}
	if c.Bus.Port < 1 || c.Bus.Port > 65535 {
		errors = append(errors, fmt.Sprintf("bus.port %d is out of range (1-65535)", c.Bus.Port))
	}
	if c.Server.Port == c.Bus.Port {
		errors = append(errors, "server.port and bus.port must differ")
	}
	if _, ok := c.Limits.Rules["general"]; !ok {
		errors = append(errors, `limits.rules must include a "general" fallback rule`)
	}
	for class, rule := range c.Limits.Rules {
		if rule.MaxRequests < 1 {
			errors = append(errors, fmt.Sprintf("limits.rules.%s.max_requests must be at least 1", class))
		}
		if rule.Window <= 0 {
			errors = append(errors, fmt.Sprintf("limits.rules.%s.window must be positive", class))
		}
	}
	if c.Anomaly.BlockDuration <= 0 {
		errors = append(errors, "anomaly.block_duration must be positive")
	}
	if c.Anomaly.PatternCeiling < 1 {
		warnings = append(warnings, "anomaly.pattern_ceiling below 1 will block nearly every client")
	}
	switch c.Audit.Sink {
	case "bus", "file", "console":
	default:
		errors = append(errors, fmt.Sprintf("audit.sink %q is not one of bus, file, console", c.Audit.Sink))
	}
	if c.Audit.Sink == "file" && c.Audit.FilePath == "" {
		errors = append(errors, "audit.file_path is required when audit.sink is file")
	}
	if c.Sanitizer.MaxBodyBytes <= 0 {
		warnings = append(warnings, "sanitizer.max_body_bytes is not positive — request bodies will not be inspected")
	}
	if !c.AuthEnabled() {
		warnings = append(warnings, "no API keys configured — introspection endpoints are open")
	}
	return warnings, errors
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured for the
// introspection endpoints.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
