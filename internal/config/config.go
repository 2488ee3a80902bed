// Package config loads the bridge node's configuration bundle: data
// directory, listen port, bind host override, API key, and the overlay
// topic/seed settings. Configuration is a bundle, not positional flags:
// it is assembled from an optional YAML file merged with environment
// variable overrides, the same layering the teacher's own config loader
// uses for its resource files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kizuna-project/bridge/internal/apperr"
)

const (
	// DefaultPort is the control plane's default listen port (spec.md §6).
	DefaultPort = 3000

	// DefaultTopic is the topic every node auto-joins at startup and may
	// never leave (spec.md §3).
	DefaultTopic = "kizuna-bridge"
)

// Config is the bridge node's configuration bundle.
type Config struct {
	// DataDir holds the persisted identity file and any other node state.
	DataDir string `yaml:"data_dir"`

	// Port is the control plane's TCP listen port.
	Port int `yaml:"port"`

	// BindHost overrides the control plane bind address. When empty,
	// the bind host is derived from whether APIKey is set (spec.md §4.6):
	// loopback-only without a key, all interfaces with one.
	BindHost string `yaml:"bind_host"`

	// APIKey, when set, is required as a Bearer token on sensitive
	// control-plane and A2A endpoints.
	APIKey string `yaml:"api_key"`

	// DefaultTopic is the topic name auto-joined at startup.
	DefaultTopic string `yaml:"default_topic"`

	// OverlayListenAddr is the address the reference overlay connection
	// source listens on for inbound peer connections.
	OverlayListenAddr string `yaml:"overlay_listen_addr"`

	// Seeds are addresses of peers to dial at startup, used by the
	// reference overlay connection source in place of real DHT discovery.
	Seeds []string `yaml:"seeds"`

	// EntropyEnabled turns on the entropy reaper's fault-injection churn.
	// Off by default, as spec.md §4.4 requires.
	EntropyEnabled bool `yaml:"entropy_enabled"`
}

// Default returns a Config populated with the spec's defaults.
func Default() *Config {
	return &Config{
		DataDir:           "./data",
		Port:              DefaultPort,
		DefaultTopic:      DefaultTopic,
		OverlayListenAddr: ":7700",
		EntropyEnabled:    false,
	}
}

// Load builds a Config by starting from Default(), merging in path (a
// YAML file, if non-empty and present), and then applying environment
// variable overrides. Environment variables always win, matching the
// "config bundle" framing of spec.md §6.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, apperr.New("config", "Load", err).WithDetails(map[string]any{"path": path})
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperr.New("config", "Load", err).WithDetails(map[string]any{"path": path})
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		return nil, apperr.New("config", "Load", fmt.Errorf("data_dir must not be empty"))
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KIZUNA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KIZUNA_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("KIZUNA_BIND_HOST"); v != "" {
		c.BindHost = v
	}
	if v := os.Getenv("KIZUNA_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("KIZUNA_DEFAULT_TOPIC"); v != "" {
		c.DefaultTopic = v
	}
	if v := os.Getenv("KIZUNA_OVERLAY_LISTEN_ADDR"); v != "" {
		c.OverlayListenAddr = v
	}
	if v := os.Getenv("KIZUNA_SEEDS"); v != "" {
		c.Seeds = strings.Split(v, ",")
	}
	if v := os.Getenv("KIZUNA_ENTROPY_ENABLED"); v != "" {
		c.EntropyEnabled = v == "1" || strings.EqualFold(v, "true")
	}
}

// EffectiveBindHost returns the host the control plane should bind to,
// applying spec.md §4.6: loopback unless an API key is configured or an
// explicit override is set.
func (c *Config) EffectiveBindHost() string {
	if c.BindHost != "" {
		return c.BindHost
	}
	if c.APIKey != "" {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}
