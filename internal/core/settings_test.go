package core

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSettingsFromYAML(t *testing.T) {
	var settings map[string]interface{}
	src := `
tick_interval: 50ms
max_items: 12
ratio: 3.0
auto_tick: true
label: hello
owner_patterns:
  "xaero.**": xaeros_minimap
  "journeymap.*": journeymap
  bogus: 7
`
	if err := yaml.Unmarshal([]byte(src), &settings); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := GetDurationSetting(settings, "tick_interval", time.Second); got != 50*time.Millisecond {
		t.Errorf("tick_interval = %v, want 50ms", got)
	}
	if got := GetIntSetting(settings, "max_items", 0); got != 12 {
		t.Errorf("max_items = %d, want 12", got)
	}
	if got := GetIntSetting(settings, "ratio", 0); got != 3 {
		t.Errorf("ratio as int = %d, want 3", got)
	}
	if !GetBoolSetting(settings, "auto_tick", false) {
		t.Error("auto_tick should be true")
	}
	if got := GetStringSetting(settings, "label", ""); got != "hello" {
		t.Errorf("label = %q", got)
	}
	patterns := GetStringMapSetting(settings, "owner_patterns")
	if len(patterns) != 2 || patterns["xaero.**"] != "xaeros_minimap" {
		t.Errorf("owner_patterns = %v", patterns)
	}
}

func TestSettingsDefaults(t *testing.T) {
	settings := map[string]interface{}{
		"tick_interval": "not a duration",
		"auto_tick":     "yes",
	}
	if got := GetDurationSetting(settings, "tick_interval", time.Second); got != time.Second {
		t.Errorf("bad duration should fall back, got %v", got)
	}
	if GetBoolSetting(settings, "auto_tick", false) {
		t.Error("non-bool should fall back to default")
	}
	if got := GetIntSetting(nil, "missing", 7); got != 7 {
		t.Errorf("missing int = %d, want 7", got)
	}
	if got := GetStringMapSetting(nil, "missing"); len(got) != 0 {
		t.Errorf("missing map = %v", got)
	}
}
