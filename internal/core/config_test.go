package core

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veil.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ─── DefaultConfig ──────────────────────────────────────────────────────────

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Policy.Profile != "bare" || cfg.Policy.SpoofChannels {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if !cfg.Policy.BlockLocalURLs || !cfg.Policy.ResolutionGuard || !cfg.Policy.FakeDefaults {
		t.Errorf("protections should default on: %+v", cfg.Policy)
	}
	if cfg.Detection.Window != 5*time.Second || cfg.Detection.RapidInterval != 200*time.Millisecond {
		t.Errorf("detection windows = %v / %v", cfg.Detection.Window, cfg.Detection.RapidInterval)
	}
	if cfg.Guard.HeaderCooldown != 5*time.Second || cfg.Guard.DedupCap != 500 {
		t.Errorf("guard = %+v", cfg.Guard)
	}
	if cfg.Bus.Port != 4233 || !cfg.Bus.Embedded {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	if cfg.API.Enabled || cfg.API.AllowRemote {
		t.Errorf("api should be off and loopback-only by default: %+v", cfg.API)
	}
	for _, name := range []string{"trackpack", "resolution", "channels", "guardian"} {
		if !cfg.IsModuleEnabled(name) {
			t.Errorf("module %q should be enabled", name)
		}
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

// ─── LoadConfig ─────────────────────────────────────────────────────────────

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "absent.yaml")} {
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig(%q): %v", path, err)
		}
		if cfg.Policy.Profile != "bare" {
			t.Errorf("profile = %q", cfg.Policy.Profile)
		}
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, `
policy:
  profile: reduced
  spoof_channels: true
  whitelist_enabled: true
  whitelist: [journeymap, Xaero]
detection:
  detector_ports: [25565]
  window: 10s
modules:
  channels:
    enabled: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Policy.Profile != "reduced" || !cfg.Policy.SpoofChannels || len(cfg.Policy.Whitelist) != 2 {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Detection.Window != 10*time.Second || len(cfg.Detection.DetectorPorts) != 1 {
		t.Errorf("detection = %+v", cfg.Detection)
	}
	if cfg.Detection.RapidWindow != time.Second {
		t.Error("unset fields should keep their defaults")
	}
	if cfg.IsModuleEnabled("channels") {
		t.Error("channels should be disabled")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":     "policy: [",
		"bad profile":  "policy:\n  profile: sneaky\n",
		"bad port":     "detection:\n  detector_ports: [70000]\n",
		"zero window":  "detection:\n  window: 0s\n",
		"bad loglevel": "logging:\n  level: verbose\n",
		"bad api addr": "api:\n  addr: nowhere\n",
	}
	for name, content := range cases {
		if _, err := LoadConfig(writeConfig(t, content)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("VEIL_PROFILE", "Alternate")
	t.Setenv("VEIL_SPOOF_CHANNELS", "true")
	t.Setenv("VEIL_BUS_URL", "nats://bus.lan:4222")
	t.Setenv("VEIL_API_ENABLED", "true")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Policy.Profile != "alternate" || !cfg.Policy.SpoofChannels {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Bus.URL != "nats://bus.lan:4222" || cfg.Bus.Embedded {
		t.Errorf("bus = %+v", cfg.Bus)
	}
	if !cfg.API.Enabled {
		t.Error("api should be enabled from env")
	}
}

func TestLoadConfig_EnvBadBool(t *testing.T) {
	t.Setenv("VEIL_SPOOF_CHANNELS", "maybe")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected error for an unparsable bool")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.Profile = "alternate"
	cfg.Policy.Whitelist = []string{"journeymap"}
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Policy.Profile != "alternate" || loaded.Policy.Whitelist[0] != "journeymap" {
		t.Errorf("policy = %+v", loaded.Policy)
	}
	if loaded.Detection.Window != cfg.Detection.Window {
		t.Errorf("window = %v", loaded.Detection.Window)
	}
}

func TestValidateConfig_ListsEveryViolation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Detection.FingerprintThreshold = 0
	cfg.Guard.DedupCap = 0
	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, field := range []string{"FingerprintThreshold", "DedupCap"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestPolicySnapshot_InvalidProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.Profile = "sneaky"
	if _, err := cfg.PolicySnapshot(); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("err = %v, want ErrInvalidProfile", err)
	}
}

func TestGetModuleSettings(t *testing.T) {
	cfg := DefaultConfig()
	if s := cfg.GetModuleSettings("missing"); s == nil || len(s) != 0 {
		t.Errorf("missing module settings = %v", s)
	}
	if !cfg.IsModuleEnabled("missing") {
		t.Error("unknown modules default to enabled")
	}
	if _, ok := cfg.GetModuleSettings("guardian")["tick_interval"]; !ok {
		t.Error("guardian settings should include tick_interval")
	}
}
