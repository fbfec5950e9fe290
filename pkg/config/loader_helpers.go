package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values only win when the
// key is explicitly present in the raw document, so a file can turn
// booleans off without clobbering unrelated defaults.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if override.Server.Port != 0 {
		base.Server.Port = override.Server.Port
	}
	if override.Server.AuthToken != "" {
		base.Server.AuthToken = override.Server.AuthToken
	}

	if override.Pool.Size != 0 {
		base.Pool.Size = override.Pool.Size
	}
	if override.Pool.AcquireTimeout != 0 {
		base.Pool.AcquireTimeout = override.Pool.AcquireTimeout
	}
	if override.Pool.IdleRecycleInterval != 0 {
		base.Pool.IdleRecycleInterval = override.Pool.IdleRecycleInterval
	}
	if override.Pool.CrashRetryLimit != 0 || intFieldSet(raw, "pool", "crash_retry_limit") {
		base.Pool.CrashRetryLimit = override.Pool.CrashRetryLimit
	}
	if override.Pool.CrashRetryWindow != 0 {
		base.Pool.CrashRetryWindow = override.Pool.CrashRetryWindow
	}

	if override.Task.DefaultTimeout != 0 {
		base.Task.DefaultTimeout = override.Task.DefaultTimeout
	}
	if override.Task.StepTimeout != 0 {
		base.Task.StepTimeout = override.Task.StepTimeout
	}
	if override.Task.MaxSteps != 0 {
		base.Task.MaxSteps = override.Task.MaxSteps
	}

	if boolFieldSet(raw, "browser", "headless") {
		base.Browser.Headless = override.Browser.Headless
	}
	if override.Browser.ExecutablePath != "" {
		base.Browser.ExecutablePath = override.Browser.ExecutablePath
	}
	if override.Browser.StartupTimeout != 0 {
		base.Browser.StartupTimeout = override.Browser.StartupTimeout
	}
	if boolFieldSet(raw, "browser", "install_driver") {
		base.Browser.InstallDriver = override.Browser.InstallDriver
	}

	if boolFieldSet(raw, "events", "enabled") {
		base.Events.Enabled = override.Events.Enabled
	}
	if override.Events.NATSURL != "" {
		base.Events.NATSURL = override.Events.NATSURL
	}

	if override.Logging.Dir != "" {
		base.Logging.Dir = override.Logging.Dir
	}
	if override.Logging.MinLevel != "" {
		base.Logging.MinLevel = override.Logging.MinLevel
	}
}

// boolFieldSet reports whether a boolean key path appears in the raw YAML.
func boolFieldSet(raw map[string]any, path ...string) bool {
	_, ok := lookupRaw(raw, path...)
	return ok
}

// intFieldSet reports whether an integer key path appears in the raw YAML.
func intFieldSet(raw map[string]any, path ...string) bool {
	_, ok := lookupRaw(raw, path...)
	return ok
}

func lookupRaw(raw map[string]any, path ...string) (any, bool) {
	var cur any = raw
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
