package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	// BackendURL is the default backend base URL. A user-chosen override in
	// the state file takes precedence at runtime.
	BackendURL string

	// StateDir holds the agent's durable state file.
	StateDir string

	// BridgePort is the loopback port the embedded UI connects to.
	BridgePort int

	// BridgeSecret signs the short-lived tokens the UI bridge issues.
	BridgeSecret string

	GinMode string
}

const defaultBackendURL = "https://api.primustech.in"

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		BackendURL: defaultBackendURL,
		BridgePort: 17815,
		GinMode:    "release",
	}

	if raw := env.Getenv("PRIMUS_BACKEND_URL"); raw != "" {
		cfg.BackendURL = raw
	}

	if raw := env.Getenv("PRIMUS_STATE_DIR"); raw != "" {
		cfg.StateDir = raw
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.StateDir = filepath.Join(home, ".primus-kiosk")
	}

	if raw := env.Getenv("PRIMUS_BRIDGE_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PRIMUS_BRIDGE_PORT")
		}
		cfg.BridgePort = port
	}

	cfg.BridgeSecret = env.Getenv("PRIMUS_BRIDGE_SECRET")
	if cfg.BridgeSecret == "" {
		return Config{}, fmt.Errorf("PRIMUS_BRIDGE_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	return cfg, nil
}

// StateFile is the path of the durable agent state file.
func (c Config) StateFile() string {
	return filepath.Join(c.StateDir, "state.json")
}
