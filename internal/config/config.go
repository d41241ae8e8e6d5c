package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// FileEnv names the environment variable holding an optional TOML config
// file. Values from the file are applied first; environment variables
// override them.
const FileEnv = "BLUESKY_THREADS_CONFIG"

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
	StoreMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Port is the HTTP server port.
	Port int `toml:"port" validate:"min=1,max=65535"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level" validate:"oneof=debug info warn error"`

	// Viewer is the handle or DID whose feed is kept warm. Optional; the
	// HTTP endpoints take the viewer as a parameter.
	Viewer string `toml:"viewer"`

	// Identifier and AppPassword log the client in for likes and reposts.
	Identifier  string `toml:"identifier" validate:"required_with=AppPassword"`
	AppPassword string `toml:"app_password" validate:"required_with=Identifier"`

	Endpoints Endpoints `toml:"endpoints"`
	Store     Store     `toml:"store"`
	Fetch     Fetch     `toml:"fetch"`
}

// Endpoints are the network services used for reads and streams.
type Endpoints struct {
	PDS           string `toml:"pds" validate:"omitempty,url"`
	Slingshot     string `toml:"slingshot" validate:"url"`
	Constellation string `toml:"constellation" validate:"url"`
	Spacedust     string `toml:"spacedust" validate:"url"`
	Jetstream     string `toml:"jetstream" validate:"url"`
}

// Store selects and locates the persistence backend.
type Store struct {
	Backend string `toml:"backend" validate:"oneof=sqlite postgres badger memory"`

	// Path is the sqlite file or badger directory.
	Path string `toml:"path" validate:"required_unless=Backend postgres Backend memory"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `toml:"database_url" validate:"required_if=Backend postgres"`
}

// Fetch tunes outbound requests and index maintenance.
type Fetch struct {
	Concurrency       int      `toml:"concurrency" validate:"min=1,max=64"`
	RequestsPerSecond float64  `toml:"requests_per_second" validate:"gte=0"`
	BacklinksTimeout  Duration `toml:"backlinks_timeout"`

	TombstoneMaxAge     Duration `toml:"tombstone_max_age"`
	TombstoneSweepEvery Duration `toml:"tombstone_sweep_every"`
}

// Duration is a time.Duration that decodes from strings like "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// SlogLevel maps LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Port:     3000,
		LogLevel: "info",
		Endpoints: Endpoints{
			Slingshot:     "https://slingshot.microcosm.blue",
			Constellation: "https://constellation.microcosm.blue",
			Spacedust:     "https://spacedust.microcosm.blue",
			Jetstream:     "wss://jetstream2.fr.hose.cam/subscribe",
		},
		Store: Store{
			Backend: StoreSQLite,
			Path:    "data/threads.db",
		},
		Fetch: Fetch{
			Concurrency:         8,
			RequestsPerSecond:   0,
			BacklinksTimeout:    Duration{2 * time.Second},
			TombstoneMaxAge:     Duration{7 * 24 * time.Hour},
			TombstoneSweepEvery: Duration{time.Hour},
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file named
// by BLUESKY_THREADS_CONFIG, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	var msgs []string

	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var fieldErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fieldErrs):
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
	case err != nil:
		return fmt.Errorf("validate config: %w", err)
	}

	for name, d := range map[string]Duration{
		"Config.Fetch.BacklinksTimeout":    c.Fetch.BacklinksTimeout,
		"Config.Fetch.TombstoneMaxAge":     c.Fetch.TombstoneMaxAge,
		"Config.Fetch.TombstoneSweepEvery": c.Fetch.TombstoneSweepEvery,
	} {
		if d.Duration < 0 {
			msgs = append(msgs, fmt.Sprintf("%s must not be negative", name))
		}
	}

	if len(msgs) == 0 {
		return nil
	}
	sort.Strings(msgs)
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"LOG_LEVEL":            &cfg.LogLevel,
		"BLUESKY_VIEWER":       &cfg.Viewer,
		"BLUESKY_IDENTIFIER":   &cfg.Identifier,
		"BLUESKY_APP_PASSWORD": &cfg.AppPassword,
		"BLUESKY_PDS_URL":      &cfg.Endpoints.PDS,
		"SLINGSHOT_URL":        &cfg.Endpoints.Slingshot,
		"CONSTELLATION_URL":    &cfg.Endpoints.Constellation,
		"SPACEDUST_URL":        &cfg.Endpoints.Spacedust,
		"JETSTREAM_URL":        &cfg.Endpoints.Jetstream,
		"STORE_BACKEND":        &cfg.Store.Backend,
		"STORE_PATH":           &cfg.Store.Path,
		"DATABASE_URL":         &cfg.Store.DatabaseURL,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("FETCH_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FETCH_CONCURRENCY: %w", err)
		}
		cfg.Fetch.Concurrency = n
	}
	if v := os.Getenv("REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid REQUESTS_PER_SECOND: %w", err)
		}
		cfg.Fetch.RequestsPerSecond = f
	}

	durations := map[string]*Duration{
		"BACKLINKS_TIMEOUT":     &cfg.Fetch.BacklinksTimeout,
		"TOMBSTONE_MAX_AGE":     &cfg.Fetch.TombstoneMaxAge,
		"TOMBSTONE_SWEEP_EVERY": &cfg.Fetch.TombstoneSweepEvery,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}
	return nil
}
