package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the full configuration tree for one marlin instance.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Recording RecordingConfig `mapstructure:"recording"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
}

type AppConfig struct {
	// InstanceID scopes session ownership. Two processes must never share one.
	InstanceID string `mapstructure:"instance_id"`
	LogLevel   string `mapstructure:"log_level"`
	LogPath    string `mapstructure:"log_path"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

type RecordingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type BrokerConfig struct {
	// Kind selects the broker adapter: "binance" or "paper".
	Kind         string        `mapstructure:"kind"`
	APIKey       string        `mapstructure:"api_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	RESTBaseURL  string        `mapstructure:"rest_base_url"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	ProxyEnabled bool          `mapstructure:"proxy_enabled"`
	ProxyURL     string        `mapstructure:"proxy_url"`
}

type LoopConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	CheckpointEvery   time.Duration `mapstructure:"checkpoint_every"`
	CheckpointKeep    int           `mapstructure:"checkpoint_keep"`
	CheckpointMaxAge  time.Duration `mapstructure:"checkpoint_max_age"`
	InitialCapital    float64       `mapstructure:"initial_capital"`
	Symbols           []string      `mapstructure:"symbols"`
	ResumeSessionID   string        `mapstructure:"resume_session_id"`
	ReconcileRequired bool          `mapstructure:"reconcile_required"`
}

type StrategyConfig struct {
	Name   string         `mapstructure:"name"`
	Params map[string]any `mapstructure:"params"`
}

// Load reads a YAML config file and applies defaults and validation.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", abs, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.StringToTimeDurationHookFunc()
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.App.LogLevel) == "" {
		c.App.LogLevel = "info"
	}
	if strings.TrimSpace(c.Ledger.Path) == "" {
		c.Ledger.Path = "data/ledger.db"
	}
	if strings.TrimSpace(c.Recording.Path) == "" {
		c.Recording.Path = "data/recordings"
	}
	if strings.TrimSpace(c.Broker.Kind) == "" {
		c.Broker.Kind = "paper"
	}
	if c.Broker.HTTPTimeout <= 0 {
		c.Broker.HTTPTimeout = 10 * time.Second
	}
	if c.Loop.Interval <= 0 {
		c.Loop.Interval = 30 * time.Second
	}
	if c.Loop.CheckpointEvery <= 0 {
		c.Loop.CheckpointEvery = 30 * time.Second
	}
	if c.Loop.CheckpointKeep <= 0 {
		c.Loop.CheckpointKeep = 20
	}
	if c.Loop.CheckpointMaxAge <= 0 {
		c.Loop.CheckpointMaxAge = 24 * time.Hour
	}
	if c.Loop.InitialCapital <= 0 {
		c.Loop.InitialCapital = 10000
	}
	if strings.TrimSpace(c.Strategy.Name) == "" {
		c.Strategy.Name = "sma_cross"
	}
	if c.Strategy.Params == nil {
		c.Strategy.Params = map[string]any{}
	}
}

func validate(c *Config) error {
	if strings.TrimSpace(c.App.InstanceID) == "" {
		return fmt.Errorf("app.instance_id is required")
	}
	switch c.Broker.Kind {
	case "binance":
		if strings.TrimSpace(c.Broker.APIKey) == "" || strings.TrimSpace(c.Broker.SecretKey) == "" {
			return fmt.Errorf("broker.api_key and broker.secret_key are required for binance")
		}
	case "paper":
	default:
		return fmt.Errorf("broker.kind must be binance or paper, got %q", c.Broker.Kind)
	}
	if len(c.Loop.Symbols) == 0 && c.Loop.ResumeSessionID == "" {
		return fmt.Errorf("loop.symbols is required for a new session")
	}
	for _, sym := range c.Loop.Symbols {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("loop.symbols contains an empty symbol")
		}
	}
	return nil
}
