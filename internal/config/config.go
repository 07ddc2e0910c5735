// Package config loads caterpillar's four recognised options from an
// optional TOML file and overlays them with CATERPILLAR_* environment
// variables, the way the original implementation's config.rs layers a file
// source under an environment source.
package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DefaultDeviceRegex selects UDisks2 block-device object paths representing
// discrete, numbered partitions on an "sdX"-style disk.
const DefaultDeviceRegex = `^/org/freedesktop/UDisks2/block_devices/sd[a-z][1-9][0-9]*?$`

// DefaultPath is where the daemon looks for its configuration file by default.
const DefaultPath = "/etc/caterpillar/caterpillar.toml"

const envPrefix = "CATERPILLAR_"

// Config holds the four recognised options, each with its spec-mandated default.
type Config struct {
	Autorun         bool   `toml:"autorun"`
	BundleExtension string `toml:"bundle_extension"`
	DeviceRegex     string `toml:"device_regex"`
	OverrideDir     string `toml:"override_dir"`

	// MetricsListen is an ambient addition (SPEC_FULL.md §7): if non-empty,
	// a Prometheus /metrics endpoint is served on this address.
	MetricsListen string `toml:"metrics_listen"`
}

// Default returns a Config populated with spec.md §3's defaults.
func Default() Config {
	return Config{
		Autorun:         true,
		BundleExtension: "raucb",
		DeviceRegex:     DefaultDeviceRegex,
		OverrideDir:     "override",
		MetricsListen:   "",
	}
}

// Load reads Config from path (if it exists) and overlays any CATERPILLAR_*
// environment variables found. An absent file is not an error: the defaults
// (as overridden by the file, as overridden by the environment) are still
// returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parsing configuration file %s", path)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "reading configuration file %s", path)
	}

	applyEnvOverlay(&cfg)

	return cfg, nil
}

// applyEnvOverlay overrides cfg's fields from CATERPILLAR_* environment
// variables, matching on the key stem case-insensitively.
func applyEnvOverlay(cfg *Config) {
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(strings.ToUpper(name), envPrefix) {
			continue
		}
		stem := strings.ToLower(strings.TrimPrefix(strings.ToUpper(name), envPrefix))

		switch stem {
		case "autorun":
			cfg.Autorun = parseBool(value, cfg.Autorun)
		case "bundle_extension":
			cfg.BundleExtension = value
		case "device_regex":
			cfg.DeviceRegex = value
		case "override_dir":
			cfg.OverrideDir = value
		case "metrics_listen":
			cfg.MetricsListen = value
		}
	}
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
