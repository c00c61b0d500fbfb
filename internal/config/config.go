package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Drive backends.
const (
	BackendSQLite = "sqlite"
	BackendDir    = "dir"
	BackendRelay  = "relay"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Drive   DriveConfig
	Relay   RelayConfig
	Log     LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	Token    string
	MCPStdio bool
}

type StorageConfig struct {
	DataDir string
}

type DriveConfig struct {
	Backend      string
	Key          string
	PollInterval time.Duration
}

type RelayConfig struct {
	URL   string
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Drive: DriveConfig{
			Backend:      BackendSQLite,
			PollInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.slashprofile.app) and
// secrets fall back to the macOS Keychain.
// Elsewhere the backend is a JSON file at
// $XDG_CONFIG_HOME/slashprofile/config.json and secrets fall back to
// $XDG_DATA_HOME/slashprofile/secrets.json.
//
// Environment variables (SLASHPROFILE_*) override backend values on all
// platforms. A drive key is generated and saved on first load.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if cfg.Drive.Key == "" {
		key := uuid.New().String()
		if err := b.SetString("drive.key", key); err != nil {
			return Config{}, fmt.Errorf("saving generated drive key: %w", err)
		}
		cfg.Drive.Key = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error

	switch c.Drive.Backend {
	case BackendSQLite, BackendDir:
	case BackendRelay:
		if c.Relay.URL == "" {
			errs = append(errs, fmt.Errorf("missing required config: relay.url must be set when drive.backend is %q", BackendRelay))
		}
		if c.Relay.Token == "" {
			errs = append(errs, fmt.Errorf("missing required config: relay token. Set it via environment variable SLASHPROFILE_RELAY_TOKEN%s", secretHint("relay_token")))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid drive.backend %q: want one of %s", c.Drive.Backend,
			strings.Join([]string{BackendSQLite, BackendDir, BackendRelay}, ", ")))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port %d", c.Server.Port))
	}
	if c.Drive.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid drive.poll_interval %s: must be positive", c.Drive.PollInterval))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}
