package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when BACKTEST_CONFIG is not set.
const DefaultPath = "config/backtest.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the backtester.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	Feed     FeedConfig     `yaml:"feed"`
	Universe UniverseConfig `yaml:"universe"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	ResDir     string `yaml:"res_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"` // "iex" or "sip"
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig sizes the partitioned runs.
type EngineConfig struct {
	Workers        int `yaml:"workers"`
	ProgressBuffer int `yaml:"progress_buffer"`
}

// FeedConfig controls how prices are fetched from the provider.
type FeedConfig struct {
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	StartDate       string        `yaml:"start_date"`
	NoCache         bool          `yaml:"no_cache"`
}

// UniverseConfig locates the symbol lists.
type UniverseConfig struct {
	Exchanges     []string `yaml:"exchanges"`
	BlacklistPath string   `yaml:"blacklist_path"`
	FaultyPath    string   `yaml:"faulty_path"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the config file path from BACKTEST_CONFIG, or DefaultPath.
func Path() string {
	if p := os.Getenv("BACKTEST_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// LoadEnvFile loads KEY=VALUE pairs from the given .env files into the
// process environment without overriding variables that are already set.
// Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.Defaults()

	return cfg, nil
}

// Defaults fills every unset field with its default value.
func (c *Config) Defaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "backtester.db")
	}
	if c.Storage.ResDir == "" {
		c.Storage.ResDir = "res"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "iex"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = runtime.NumCPU()
	}
	if c.Engine.ProgressBuffer <= 0 {
		c.Engine.ProgressBuffer = 256
	}
	if c.Feed.RateLimitPerMin <= 0 {
		c.Feed.RateLimitPerMin = 200
	}
	if c.Feed.MaxRetries <= 0 {
		c.Feed.MaxRetries = 3
	}
	if c.Feed.RetryBaseDelay <= 0 {
		c.Feed.RetryBaseDelay = time.Second
	}
	if c.Feed.StartDate == "" {
		c.Feed.StartDate = "2000-01-01"
	}
	if len(c.Universe.Exchanges) == 0 {
		c.Universe.Exchanges = []string{"amex", "nasdaq", "nyse"}
	}
	if c.Universe.BlacklistPath == "" {
		c.Universe.BlacklistPath = filepath.Join(c.Storage.ResDir, "blacklist.json")
	}
	if c.Universe.FaultyPath == "" {
		c.Universe.FaultyPath = filepath.Join(c.Storage.ResDir, "faulty.json")
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("BACKTEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}

	// Standard Alpaca env vars (highest priority, the names the SDK reads).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
