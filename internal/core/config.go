package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides (VEIL_PROFILE, ...).
const EnvPrefix = "veil"

// Config holds the entire veil configuration.
type Config struct {
	Policy    PolicyConfig            `yaml:"policy"`
	Detection DetectionConfig         `yaml:"detection"`
	Guard     GuardConfig             `yaml:"guard"`
	Alerts    AlertConfig             `yaml:"alerts"`
	Bus       BusConfig               `yaml:"bus"`
	API       APIConfig               `yaml:"api"`
	Logging   LoggingConfig           `yaml:"logging"`
	Modules   map[string]ModuleConfig `yaml:"modules"`
}

// PolicyConfig is the persisted form of Policy.
type PolicyConfig struct {
	Profile          string   `yaml:"profile" validate:"omitempty,oneof=native reduced alternate bare"`
	SpoofChannels    bool     `yaml:"spoof_channels"`
	BlockLocalURLs   bool     `yaml:"block_local_urls"`
	ResolutionGuard  bool     `yaml:"resolution_guard"`
	FakeDefaults     bool     `yaml:"fake_defaults"`
	WhitelistEnabled bool     `yaml:"whitelist_enabled"`
	Whitelist        []string `yaml:"whitelist" validate:"dive,required"`
	ShowAlerts       bool     `yaml:"show_alerts"`
	LogDetections    bool     `yaml:"log_detections"`
}

// DetectionConfig tunes the transfer-request probe detector.
type DetectionConfig struct {
	Window                   time.Duration `yaml:"window" validate:"gt=0"`
	RapidWindow              time.Duration `yaml:"rapid_window" validate:"gt=0"`
	RapidInterval            time.Duration `yaml:"rapid_interval" validate:"gt=0"`
	FingerprintThreshold     int           `yaml:"fingerprint_threshold" validate:"min=1"`
	RapidThreshold           int           `yaml:"rapid_threshold" validate:"min=1"`
	UniqueHashThreshold      int           `yaml:"unique_hash_threshold" validate:"min=1"`
	MinRequestsForHash       int           `yaml:"min_requests_for_hash" validate:"min=1"`
	HashProbingRatio         float64       `yaml:"hash_probing_ratio" validate:"gt=0,lte=1"`
	SuspiciousScoreThreshold int           `yaml:"suspicious_score_threshold" validate:"min=1"`
	SuspiciousPathLength     int           `yaml:"suspicious_path_length" validate:"min=1"`
	SuspiciousQueryParams    int           `yaml:"suspicious_query_params" validate:"min=1"`
	MaxRecords               int           `yaml:"max_records" validate:"min=1"`
	MaxHashes                int           `yaml:"max_hashes" validate:"min=1"`
	DetectorPorts            []int         `yaml:"detector_ports" validate:"dive,min=1,max=65535"`
}

// GuardConfig tunes the resolution guard's notification throttling.
type GuardConfig struct {
	HeaderCooldown     time.Duration `yaml:"header_cooldown" validate:"gt=0"`
	DedupClearInterval time.Duration `yaml:"dedup_clear_interval" validate:"gt=0"`
	DedupCap           int           `yaml:"dedup_cap" validate:"min=1"`
}

// AlertConfig holds notifier and alert pipeline settings.
type AlertConfig struct {
	MaxStore            int           `yaml:"max_store"`
	EnableConsole       bool          `yaml:"enable_console"`
	DefaultCooldown     time.Duration `yaml:"default_cooldown" validate:"gte=0"`
	ExploitCooldown     time.Duration `yaml:"exploit_cooldown" validate:"gte=0"`
	CooldownCap         int           `yaml:"cooldown_cap" validate:"min=1"`
	PortScanSummary     time.Duration `yaml:"port_scan_summary" validate:"gt=0"`
	MaxPendingPortScans int           `yaml:"max_pending_port_scans" validate:"min=1"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Embedded   bool          `yaml:"embedded"`
	DataDir    string        `yaml:"data_dir"`
	Port       int           `yaml:"port" validate:"min=-1,max=65535"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"omitempty,hostname_port"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit   int  `yaml:"rate_limit" validate:"min=0"`
	AllowRemote bool `yaml:"allow_remote"`
}

// ModuleConfig holds per-module configuration.
type ModuleConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format      string `yaml:"format" validate:"omitempty,oneof=console json"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	BufferLines int    `yaml:"buffer_lines"`
}

// envOverrides lists the settings that may be overridden from the environment.
type envOverrides struct {
	Profile         string `envconfig:"PROFILE"`
	SpoofChannels   *bool  `envconfig:"SPOOF_CHANNELS"`
	ResolutionGuard *bool  `envconfig:"RESOLUTION_GUARD"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	LogFormat       string `envconfig:"LOG_FORMAT"`
	BusEnabled      *bool  `envconfig:"BUS_ENABLED"`
	BusURL          string `envconfig:"BUS_URL"`
	DataDir         string `envconfig:"DATA_DIR"`
	APIEnabled      *bool  `envconfig:"API_ENABLED"`
	APIAddr         string `envconfig:"API_ADDR"`
}

// DefaultConfig returns a Config with the stock protection settings.
func DefaultConfig() *Config {
	return &Config{
		Policy: PolicyConfig{
			Profile:         "bare",
			SpoofChannels:   false,
			BlockLocalURLs:  true,
			ResolutionGuard: true,
			FakeDefaults:    true,
			ShowAlerts:      true,
			LogDetections:   true,
			Whitelist:       []string{},
		},
		Detection: DetectionConfig{
			Window:                   5 * time.Second,
			RapidWindow:              time.Second,
			RapidInterval:            200 * time.Millisecond,
			FingerprintThreshold:     5,
			RapidThreshold:           3,
			UniqueHashThreshold:      3,
			MinRequestsForHash:       2,
			HashProbingRatio:         0.8,
			SuspiciousScoreThreshold: 2,
			SuspiciousPathLength:     100,
			SuspiciousQueryParams:    5,
			MaxRecords:               100,
			MaxHashes:                50,
			DetectorPorts:            []int{15000, 25565, 8080, 3000, 4000, 5000, 8000, 9000, 1337, 7777},
		},
		Guard: GuardConfig{
			HeaderCooldown:     5 * time.Second,
			DedupClearInterval: 10 * time.Second,
			DedupCap:           500,
		},
		Alerts: AlertConfig{
			MaxStore:            10000,
			EnableConsole:       true,
			DefaultCooldown:     3 * time.Second,
			ExploitCooldown:     5 * time.Second,
			CooldownCap:         50,
			PortScanSummary:     2 * time.Second,
			MaxPendingPortScans: 100,
		},
		Bus: BusConfig{
			Enabled:    true,
			URL:        "nats://127.0.0.1:4233",
			Embedded:   true,
			DataDir:    "./data/nats",
			Port:       4233,
			RPCTimeout: 2 * time.Second,
		},
		API: APIConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:4234",
			RateLimit: 50,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			MaxSizeMB:   20,
			MaxBackups:  3,
			MaxAgeDays:  14,
			BufferLines: 1000,
		},
		Modules: map[string]ModuleConfig{
			"trackpack":  {Enabled: true, Settings: map[string]interface{}{}},
			"resolution": {Enabled: true, Settings: map[string]interface{}{}},
			"channels":   {Enabled: true, Settings: map[string]interface{}{}},
			"guardian": {Enabled: true, Settings: map[string]interface{}{
				"auto_tick":      false,
				"tick_interval":  "50ms",
				"owner_patterns": map[string]interface{}{},
			}},
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults,
// then applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	if env.Profile != "" {
		c.Policy.Profile = strings.ToLower(env.Profile)
	}
	if env.SpoofChannels != nil {
		c.Policy.SpoofChannels = *env.SpoofChannels
	}
	if env.ResolutionGuard != nil {
		c.Policy.ResolutionGuard = *env.ResolutionGuard
	}
	if env.LogLevel != "" {
		c.Logging.Level = strings.ToLower(env.LogLevel)
	}
	if env.LogFormat != "" {
		c.Logging.Format = strings.ToLower(env.LogFormat)
	}
	if env.BusEnabled != nil {
		c.Bus.Enabled = *env.BusEnabled
	}
	if env.BusURL != "" {
		c.Bus.URL = env.BusURL
		c.Bus.Embedded = false
	}
	if env.DataDir != "" {
		c.Bus.DataDir = env.DataDir
	}
	if env.APIEnabled != nil {
		c.API.Enabled = *env.APIEnabled
	}
	if env.APIAddr != "" {
		c.API.Addr = env.APIAddr
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig checks field constraints and returns one error listing every
// violation.
func ValidateConfig(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// PolicySnapshot converts the policy section into an immutable Policy.
func (c *Config) PolicySnapshot() (*Policy, error) {
	return NewPolicy(c.Policy)
}

// IsModuleEnabled checks if a module is enabled in the configuration.
func (c *Config) IsModuleEnabled(name string) bool {
	mod, ok := c.Modules[name]
	if !ok {
		return true
	}
	return mod.Enabled
}

// GetModuleSettings returns the settings map for a module.
func (c *Config) GetModuleSettings(name string) map[string]interface{} {
	mod, ok := c.Modules[name]
	if !ok || mod.Settings == nil {
		return map[string]interface{}{}
	}
	return mod.Settings
}

// LogLevel returns the normalised log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
