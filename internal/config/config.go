// Package config loads the proxy's configuration from a pair of layered
// JSON files selected by APP_ENVIRONMENT, then applies environment
// variable overrides. This generalizes the teacher's flat
// encoding/json config file (config_manager.Config) into the
// spec's required layered-by-environment + env-override shape, using
// cleanenv the way DanielDucuara2018-btc-giftcard does for its own
// config loading.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Environment selects which layered config file is merged on top of the
// base file.
type Environment string

const (
	EnvironmentLocal      Environment = "local"
	EnvironmentProduction Environment = "production"
)

// AutoRefillConfig holds the auto-refill loop's tunables.
type AutoRefillConfig struct {
	CheckIntervalSeconds     uint64 `json:"check_interval_seconds" env:"AUTO_REFILL_CHECK_INTERVAL_SECONDS" env-default:"300"`
	MinRefillIntervalMinutes uint64 `json:"min_refill_interval_minutes" env:"AUTO_REFILL_MIN_REFILL_INTERVAL_MINUTES" env-default:"60"`
	Enabled                  bool   `json:"enabled" env:"AUTO_REFILL_ENABLED" env-default:"true"`
}

// CheckInterval returns the configured check interval as a Duration.
func (a AutoRefillConfig) CheckInterval() time.Duration {
	return time.Duration(a.CheckIntervalSeconds) * time.Second
}

// MinRefillInterval returns the configured minimum refill interval as a
// Duration.
func (a AutoRefillConfig) MinRefillInterval() time.Duration {
	return time.Duration(a.MinRefillIntervalMinutes) * time.Minute
}

// Config is the recognized option set from the specification's external
// interfaces section.
type Config struct {
	Environment           Environment      `json:"-" env:"APP_ENVIRONMENT" env-default:"local"`
	ListenAddr             string           `json:"listen_addr" env:"LISTEN_ADDR" env-default:":8080"`
	LogLevel               string           `json:"log_level" env:"LOG_LEVEL" env-default:"info"`
	DefaultMsatsPerRequest uint32           `json:"default_msats_per_request" env:"DEFAULT_MSATS_PER_REQUEST" env-default:"1000"`
	MintURL                string           `json:"mint_url" env:"MINT_URL"`
	MaxBodyBytes           int64            `json:"max_body_bytes" env:"MAX_BODY_BYTES" env-default:"10485760"`
	WalletBaseDir          string           `json:"wallet_base_dir" env:"WALLET_BASE_DIR" env-default:"/var/lib/cashu-proxy"`
	DatabaseURL            string           `json:"database_url" env:"DATABASE_URL"`
	TorSocksProxy          string           `json:"-" env:"TOR_SOCKS_PROXY" env-default:"socks5h://127.0.0.1:9050"`
	CLISocketPath          string           `json:"cli_socket_path" env:"CLI_SOCKET_PATH" env-default:"/var/run/cashu-proxy.sock"`
	AutoRefill             AutoRefillConfig `json:"auto_refill"`
}

// Load reads the base config file at dir/config.json, then overlays
// dir/config.<environment>.json when it exists, then applies
// environment-variable overrides. environment defaults to the
// APP_ENVIRONMENT env var, falling back to EnvironmentLocal.
func Load(dir string) (*Config, error) {
	cfg := &Config{}

	basePath := dir + "/config.json"
	if _, err := os.Stat(basePath); err == nil {
		if err := cleanenv.ReadConfig(basePath, cfg); err != nil {
			return nil, fmt.Errorf("config: loading base config %s: %w", basePath, err)
		}
	}

	env := Environment(os.Getenv("APP_ENVIRONMENT"))
	if env == "" {
		env = EnvironmentLocal
	}

	overlayPath := fmt.Sprintf("%s/config.%s.json", dir, env)
	if _, err := os.Stat(overlayPath); err == nil {
		if err := cleanenv.ReadConfig(overlayPath, cfg); err != nil {
			return nil, fmt.Errorf("config: loading %s overlay %s: %w", env, overlayPath, err)
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: applying environment overrides: %w", err)
	}

	cfg.Environment = env
	return cfg, nil
}
