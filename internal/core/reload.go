package core

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadConfig re-reads the config file and applies what can change at
// runtime. It returns a description of each change.
//
// Hot-reloadable:
//   - the whole policy section (profile, toggles, whitelist)
//   - logging level
//   - alert cooldowns
//
// Detection thresholds, guard throttling and bus settings need a restart.
func ReloadConfig(engine *Engine, configPath string) ([]string, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	policy, err := newCfg.PolicySnapshot()
	if err != nil {
		return nil, fmt.Errorf("building policy: %w", err)
	}

	engine.cfgMu.Lock()
	defer engine.cfgMu.Unlock()

	cur := engine.Config
	changes := policyChanges(cur.Policy, newCfg.Policy)

	if newCfg.LogLevel() != cur.LogLevel() {
		zerolog.SetGlobalLevel(ParseLogLevel(newCfg.LogLevel()))
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}
	if newCfg.Alerts.DefaultCooldown != cur.Alerts.DefaultCooldown || newCfg.Alerts.ExploitCooldown != cur.Alerts.ExploitCooldown {
		engine.Notifier.setCooldowns(newCfg.Alerts.DefaultCooldown, newCfg.Alerts.ExploitCooldown)
		changes = append(changes, fmt.Sprintf("alerts.cooldown → %s/%s", newCfg.Alerts.DefaultCooldown, newCfg.Alerts.ExploitCooldown))
	}
	if !reflect.DeepEqual(newCfg.Detection, cur.Detection) {
		engine.Logger.Warn().Msg("detection settings changed; restart to apply")
	}

	updated := *cur
	updated.Policy = newCfg.Policy
	updated.Logging.Level = newCfg.Logging.Level
	updated.Alerts.DefaultCooldown = newCfg.Alerts.DefaultCooldown
	updated.Alerts.ExploitCooldown = newCfg.Alerts.ExploitCooldown
	engine.Config = &updated
	engine.Policy.Set(policy)

	if len(changes) > 0 {
		ev := NewPrivacyEvent("engine", EventPolicyReloaded, SeverityInfo, "configuration reloaded")
		ev.Details["changes"] = changes
		engine.Emit(ev)
	}
	return changes, nil
}

func policyChanges(old, cur PolicyConfig) []string {
	var changes []string
	if old.Profile != cur.Profile {
		changes = append(changes, "policy.profile → "+cur.Profile)
	}
	flag := func(name string, a, b bool) {
		if a != b {
			changes = append(changes, fmt.Sprintf("policy.%s → %v", name, b))
		}
	}
	flag("spoof_channels", old.SpoofChannels, cur.SpoofChannels)
	flag("block_local_urls", old.BlockLocalURLs, cur.BlockLocalURLs)
	flag("resolution_guard", old.ResolutionGuard, cur.ResolutionGuard)
	flag("fake_defaults", old.FakeDefaults, cur.FakeDefaults)
	flag("whitelist_enabled", old.WhitelistEnabled, cur.WhitelistEnabled)
	flag("show_alerts", old.ShowAlerts, cur.ShowAlerts)
	flag("log_detections", old.LogDetections, cur.LogDetections)
	if strings.Join(old.Whitelist, ",") != strings.Join(cur.Whitelist, ",") {
		changes = append(changes, fmt.Sprintf("policy.whitelist → %d extensions", len(cur.Whitelist)))
	}
	return changes
}

// WatchConfig reloads the config whenever its file is written. The directory
// is watched rather than the file so editors that replace the file on save
// are handled. Bursts of writes are coalesced with a short debounce.
func (e *Engine) WatchConfig() error {
	if e.configPath == "" {
		return fmt.Errorf("no config path set, cannot watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	target := filepath.Clean(e.configPath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	logger := e.ComponentLogger("config_watcher")
	go func() {
		defer watcher.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-e.ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					debounce = time.After(200 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				changes, err := ReloadConfig(e, e.configPath)
				if err != nil {
					logger.Error().Err(err).Msg("config reload failed; keeping previous settings")
					continue
				}
				logger.Info().Strs("changes", changes).Msg("config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	logger.Info().Str("path", target).Msg("watching config for changes")
	return nil
}
