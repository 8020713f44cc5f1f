package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the runtime server configuration.
type Config struct {
	ListenAddr   string // control channel listen address
	MetricsAddr  string // internal metrics/health address ("" = disabled)
	DatabasePath string // user store location

	// Heartbeat and wait bounds. All bounded waits in the handler come
	// from here so tests can shrink them.
	PingIdle          time.Duration // idle time before a Ping is emitted
	ReadTimeout       time.Duration // deadline for each blocking read
	QueryTimeout      time.Duration // wait bound for an interactive query
	LoginFailureDelay time.Duration // pacing before a failed LoginResponse
}

// DefaultConfig returns default server configuration. The control channel
// binds loopback only; secure remote transport is a wrapper's job.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:4580",
		MetricsAddr:       "",
		DatabasePath:      "~/.streambot/users.db",
		PingIdle:          120 * time.Second,
		ReadTimeout:       125 * time.Second,
		QueryTimeout:      60 * time.Second,
		LoginFailureDelay: 3 * time.Second,
	}
}

// TOMLConfig is the on-disk configuration file shape.
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Timeouts TimeoutsSection `toml:"timeouts"`
}

type ServerSection struct {
	ListenAddr   string `toml:"listen_addr"`
	MetricsAddr  string `toml:"metrics_addr"`
	DatabasePath string `toml:"database_path"`
}

type TimeoutsSection struct {
	PingIdleSeconds          int `toml:"ping_idle_seconds"`
	ReadTimeoutSeconds       int `toml:"read_timeout_seconds"`
	QueryTimeoutSeconds      int `toml:"query_timeout_seconds"`
	LoginFailureDelaySeconds int `toml:"login_failure_delay_seconds"`
}

// DefaultTOMLConfig mirrors DefaultConfig in file form.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ListenAddr:   "127.0.0.1:4580",
			MetricsAddr:  "",
			DatabasePath: "~/.streambot/users.db",
		},
		Timeouts: TimeoutsSection{
			PingIdleSeconds:          120,
			ReadTimeoutSeconds:       125,
			QueryTimeoutSeconds:      60,
			LoginFailureDelaySeconds: 3,
		},
	}
}

const defaultConfigContent = `# streambot server configuration

[server]
# Control channel listen address. Keep this on loopback unless the channel
# is wrapped in a secure transport.
listen_addr = "127.0.0.1:4580"

# Internal metrics/health HTTP address. Empty disables it. Never expose
# this publicly.
metrics_addr = ""

# User store location.
database_path = "~/.streambot/users.db"

[timeouts]
ping_idle_seconds = 120
read_timeout_seconds = 125
query_timeout_seconds = 60
login_failure_delay_seconds = 3
`

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, writing a commented
// default file if none exists, then applies STREAMBOT_* environment
// overrides.
func LoadConfig(path string) (Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return Config{}, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(defaultConfigContent), 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	fileCfg := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(&fileCfg)

	cfg := Config{
		ListenAddr:        fileCfg.Server.ListenAddr,
		MetricsAddr:       fileCfg.Server.MetricsAddr,
		DatabasePath:      fileCfg.Server.DatabasePath,
		PingIdle:          time.Duration(fileCfg.Timeouts.PingIdleSeconds) * time.Second,
		ReadTimeout:       time.Duration(fileCfg.Timeouts.ReadTimeoutSeconds) * time.Second,
		QueryTimeout:      time.Duration(fileCfg.Timeouts.QueryTimeoutSeconds) * time.Second,
		LoginFailureDelay: time.Duration(fileCfg.Timeouts.LoginFailureDelaySeconds) * time.Second,
	}

	cfg.DatabasePath, err = ExpandPath(cfg.DatabasePath)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *TOMLConfig) {
	if v := os.Getenv("STREAMBOT_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("STREAMBOT_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("STREAMBOT_DATABASE_PATH"); v != "" {
		cfg.Server.DatabasePath = v
	}
}
