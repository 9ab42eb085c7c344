// Package config loads the ordersync YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the ordersync trader.
type Config struct {
	Broker   Broker   `yaml:"broker"`
	Accounts []string `yaml:"accounts"`
	Engine   Engine   `yaml:"engine"`
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
}

// Broker selects and configures the exchange adapter.
type Broker struct {
	Kind              string  `yaml:"kind"` // "alpaca" or "sim"
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	BaseURL           string  `yaml:"base_url"`
	ClassCode         string  `yaml:"class_code"`
	PriceIncrement    float64 `yaml:"price_increment"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	ResolveAttempts   int     `yaml:"resolve_attempts"`
}

// Engine holds per-account engine options.
type Engine struct {
	UsePositions     bool   `yaml:"use_positions"`
	UnresolvedBuffer int    `yaml:"unresolved_buffer"`
	DefaultClass     string `yaml:"default_class"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the order feed listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns the host:port the feed listens on.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used for fields the file leaves unset.
func Default() Config {
	return Config{
		Broker: Broker{
			Kind:              "alpaca",
			BaseURL:           "https://paper-api.alpaca.markets",
			ClassCode:         "US",
			PriceIncrement:    0.01,
			RequestsPerMinute: 200,
			ResolveAttempts:   3,
		},
		Engine: Engine{
			UnresolvedBuffer: 256,
			DefaultClass:     "US",
		},
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/ordersync.db",
		},
		Server: Server{
			Host:     "127.0.0.1",
			GRPCPort: 9191,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML configuration file at path on top of Default and then
// applies environment overrides. A .env file in the working directory is
// loaded first when present. An empty path skips the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the trader cannot run without.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "alpaca", "sim":
	default:
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	// An alpaca key streams the trade updates of exactly one account.
	if c.Broker.Kind == "alpaca" && len(c.Accounts) > 1 {
		return fmt.Errorf("broker alpaca serves one account per api key, got %d", len(c.Accounts))
	}
	if c.Broker.PriceIncrement <= 0 {
		return fmt.Errorf("price_increment must be positive")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORDERSYNC_ACCOUNT"); v != "" {
		cfg.Accounts = nil
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.Accounts = append(cfg.Accounts, a)
			}
		}
	}
	if v := os.Getenv("ORDERSYNC_BROKER"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("ORDERSYNC_GRPC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = p
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars win over the ALPACA_* names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Broker.APISecret = v
	}
}
