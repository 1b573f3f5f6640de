// Package config loads the YAML agent roster and environment-sourced node
// settings TAP's demo and any future host process need to wire up Agents
// and a Node: a DID roster plus retry/transport settings, expanding ${VAR}
// references against the environment before parsing.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/TransactionAuthorizationProtocol/tap-rs-sub002/errs"
)

// AgentConfig is one agent's static identity: which DID it speaks as, where
// its signing/key-agreement key material lives on disk, and the HTTPS
// endpoint other nodes should reach it at.
type AgentConfig struct {
	DID             string `yaml:"did"`
	Name            string `yaml:"name"`
	Endpoint        string `yaml:"endpoint"`
	KeyFile         string `yaml:"key_file"`
	SigningKID      string `yaml:"signing_kid"`
	KeyAgreementKID string `yaml:"key_agreement_kid"`
}

// NodeConfig holds the dispatcher-wide settings: where per-agent storage
// lives, the Delivery retry schedule, and the circuit breaker applied to
// every outbound transport.
type NodeConfig struct {
	StorageDir                string `yaml:"storage_dir"`
	RetryMaxAttempts          int    `yaml:"retry_max_attempts"`
	RetryInitialDelaySeconds  int    `yaml:"retry_initial_delay_seconds"`
	RetryMaxDelaySeconds      int    `yaml:"retry_max_delay_seconds"`
	RetryMultiplier           float64 `yaml:"retry_multiplier"`
	RetryJitter               float64 `yaml:"retry_jitter"`
	CircuitBreakerMaxFailures int    `yaml:"circuit_breaker_max_failures"`
	CircuitBreakerResetSeconds int   `yaml:"circuit_breaker_reset_seconds"`
	HTTPSTimeoutSeconds       int    `yaml:"https_timeout_seconds"`
	PickupListenAddr          string `yaml:"pickup_listen_addr"`
}

// Config is the full roster this process needs: every agent it hosts
// locally, plus the Node settings shared across them.
type Config struct {
	Agents map[string]AgentConfig `yaml:"agents"`
	Node   NodeConfig             `yaml:"node"`
}

// RetryDelays returns the node's configured base/cap delays as Durations,
// falling back to spec.md §4.8's defaults for any zero field.
func (n NodeConfig) RetryDelays() (initial, cap time.Duration) {
	initial = time.Duration(n.RetryInitialDelaySeconds) * time.Second
	if initial <= 0 {
		initial = 1 * time.Second
	}
	cap = time.Duration(n.RetryMaxDelaySeconds) * time.Second
	if cap <= 0 {
		cap = time.Hour
	}
	return initial, cap
}

// CircuitBreakerSettings returns the configured failure threshold and reset
// timeout, falling back to the defaults node.Node itself uses.
func (n NodeConfig) CircuitBreakerSettings() (maxFailures int, resetTimeout time.Duration) {
	maxFailures = n.CircuitBreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	resetTimeout = time.Duration(n.CircuitBreakerResetSeconds) * time.Second
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return maxFailures, resetTimeout
}

// HTTPSTimeout returns the configured HTTPS client timeout, defaulting to
// 30s as transport.HTTPS itself does when unset.
func (n NodeConfig) HTTPSTimeout() time.Duration {
	if n.HTTPSTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(n.HTTPSTimeoutSeconds) * time.Second
}

// Load reads the agent roster from a YAML file, expanding ${VAR} references
// against the process environment first (so key files and endpoints can be
// deployment-specific without forking the YAML).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/tap.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, err, "read config %s", path)
	}

	expanded := os.Expand(string(data), func(key string) string { return os.Getenv(key) })

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errs.Wrap(errs.InvalidFormat, err, "parse config %s", path)
	}
	return &cfg, nil
}

// AgentByDID finds a roster entry by its DID.
func (c *Config) AgentByDID(did string) (*AgentConfig, error) {
	for _, a := range c.Agents {
		if a.DID == did {
			return &a, nil
		}
	}
	return nil, errs.New(errs.NotFound, "no configured agent with DID %s", did)
}

// Env holds the process-wide settings sourced from the environment rather
// than the YAML roster: where to find a .env file, the log level/format,
// and the ports the demo binds.
type Env struct {
	LogLevel   string
	LogJSON    bool
	ConfigPath string
	StorageDir string
	HTTPAddr   string
	PickupAddr string
}

// LoadEnv loads a .env file if present (ignoring its absence, matching the
// teacher's LoadEnv) and reads TAP's own process-level settings.
func LoadEnv() *Env {
	_ = godotenv.Load()
	return &Env{
		LogLevel:   getEnv("TAP_LOG_LEVEL", "info"),
		LogJSON:    strings.EqualFold(getEnv("TAP_LOG_JSON", "false"), "true"),
		ConfigPath: getEnv("TAP_CONFIG", "configs/tap.yaml"),
		StorageDir: getEnv("TAP_STORAGE_DIR", "./data"),
		HTTPAddr:   getEnv("TAP_HTTP_ADDR", ":8443"),
		PickupAddr: getEnv("TAP_PICKUP_ADDR", ":8444"),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
