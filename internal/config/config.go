package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Environment variables that override the store descriptor from the config file.
const (
	EnvDBDriver = "PRICEWATCH_DB_DRIVER"
	EnvDBDSN    = "PRICEWATCH_DB_DSN"
)

type Config struct {
	Store   Store   `yaml:"store"`
	ETL     ETL     `yaml:"etl"`
	Refresh Refresh `yaml:"refresh"`
	Sources Sources `yaml:"sources"`
	Logging Logging `yaml:"logging"`
}

// Store describes the backing store connection.
type Store struct {
	Driver  string `yaml:"driver"` // sqlite | postgres
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

type ETL struct {
	BatchSize int `yaml:"batch_size"`
}

type Refresh struct {
	Budget         int           `yaml:"budget"`
	ThresholdsDays []float64     `yaml:"thresholds_days"`
	Seed           *int64        `yaml:"seed"`
	Workers        int           `yaml:"workers"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	Schedule       string        `yaml:"schedule"`
}

type Sources struct {
	Feeds []Feed     `yaml:"feeds"`
	HTTP  HTTPSource `yaml:"http"`
}

type Feed struct {
	URL          string `yaml:"url"`
	Name         string `yaml:"name"`
	Category     string `yaml:"category"`
	EnrichImages bool   `yaml:"enrich_images"`
}

// HTTPSource configures the JSON search adapter used to re-locate products.
type HTTPSource struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxPages          int           `yaml:"max_pages"`
	Timeout           time.Duration `yaml:"timeout"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for pricewatch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "pricewatch")
}

// DataDir returns the XDG data directory for pricewatch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "pricewatch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/pricewatch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'pricewatch init' to create a default config",
		xdgConfig,
	)
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// Load reads and parses a config YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a config with every default applied and no file input.
func Default() *Config {
	cfg, _ := parse(nil)
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Store: Store{Driver: "sqlite"},
		ETL:   ETL{BatchSize: 500},
		Refresh: Refresh{
			Budget:         100,
			ThresholdsDays: []float64{1, 3, 7, 14},
			Workers:        4,
			RunTimeout:     30 * time.Minute,
			Schedule:       "0 0 */12 * * *",
		},
		Sources: Sources{
			HTTP: HTTPSource{
				UserAgent:         "pricewatch/1.0 (price tracker)",
				RequestsPerSecond: 1,
				MaxRetries:        3,
				RetryDelay:        2 * time.Second,
				MaxPages:          2,
				Timeout:           15 * time.Second,
			},
		},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvDBDriver)); v != "" {
		c.Store.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDSN)); v != "" {
		c.Store.DSN = v
	}
}

// Validate checks the values a run cannot proceed without.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return errors.New("store.dsn is required for the postgres driver")
	}
	if c.ETL.BatchSize <= 0 {
		return errors.New("etl.batch_size must be positive")
	}
	if c.Refresh.Budget <= 0 {
		return errors.New("refresh.budget must be positive")
	}
	if len(c.Refresh.ThresholdsDays) != 4 {
		return fmt.Errorf("refresh.thresholds_days needs 4 values, got %d", len(c.Refresh.ThresholdsDays))
	}
	if c.Refresh.ThresholdsDays[0] <= 0 {
		return errors.New("refresh.thresholds_days must be positive")
	}
	for i := 1; i < len(c.Refresh.ThresholdsDays); i++ {
		if c.Refresh.ThresholdsDays[i] <= c.Refresh.ThresholdsDays[i-1] {
			return errors.New("refresh.thresholds_days must be strictly ascending")
		}
	}
	return nil
}

// Thresholds returns the staleness thresholds as durations.
func (r Refresh) Thresholds() [4]time.Duration {
	var out [4]time.Duration
	for i := 0; i < 4 && i < len(r.ThresholdsDays); i++ {
		out[i] = time.Duration(r.ThresholdsDays[i] * float64(24*time.Hour))
	}
	return out
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Store.DataDir != "" {
		return c.Store.DataDir
	}
	return DataDir()
}

// StoreDSN returns the connection descriptor for the configured driver.
// For sqlite an empty DSN resolves to pricewatch.db inside the data directory.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	if c.Store.Driver == "sqlite" {
		return filepath.Join(c.GetDataDir(), "pricewatch.db")
	}
	return ""
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
