// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SymbolRisk holds the per-symbol protective-order and martingale parameters.
// The special key "ANY_COINS" supplies the fallback for symbols without an
// explicit entry. TP/SL are percentages of average entry price; a nil value
// means "no order of that kind".
type SymbolRisk struct {
	TP                *float64 `yaml:"tp"`
	SL                *float64 `yaml:"sl"`
	TPOrderType       string   `yaml:"tp_order_type"`
	IsMartin          bool     `yaml:"is_martin"`
	ForceMartin       bool     `yaml:"force_martin"`
	Reverse           bool     `yaml:"reverse"`
	MartinMultipliter float64  `yaml:"martin_multipliter"`
}

// CoreConfig holds a user's sizing and account parameters.
type CoreConfig struct {
	MarginSize          float64 `yaml:"margin_size"`
	Leverage            int     `yaml:"leverage"`
	MarginType          string  `yaml:"margin_type"`
	LongPositionsLimit  int     `yaml:"long_positions_limit"`
	ShortPositionsLimit int     `yaml:"short_positions_limit"`
}

// UserConfig describes one exchange account. API credentials are referenced
// by environment-variable name, never stored in the YAML itself.
type UserConfig struct {
	Name         string                 `yaml:"name"`
	APIKeyEnv    string                 `yaml:"api_key_env"`
	APISecretEnv string                 `yaml:"api_secret_env"`
	ProxyURL     string                 `yaml:"proxy_url"`
	Core         *CoreConfig            `yaml:"core"`
	SymbolsRisk  map[string]*SymbolRisk `yaml:"symbols_risk"`
}

// Credentials resolves the user's API key pair from the environment.
func (u *UserConfig) Credentials() (apiKey, apiSecret string) {
	return os.Getenv(u.APIKeyEnv), os.Getenv(u.APISecretEnv)
}

// GridStep is one averaging step: Indent is the adverse move (percent,
// stored positive, applied negative), Volume the margin fraction to add
// (percent), Signal whether an external averaging signal is also required.
type GridStep struct {
	Indent float64 `yaml:"indent"`
	Volume float64 `yaml:"volume"`
	Signal bool    `yaml:"signal"`
}

// TrailingStep is one trailing-stop step.
type TrailingStep struct {
	ActivationIndent float64 `yaml:"activation_indent"`
	OffsetIndent     float64 `yaml:"offset_indent"`
}

// TrailingSLConfig configures the trailing stop-loss ladder.
type TrailingSLConfig struct {
	Enable bool           `yaml:"enable"`
	MoveTP bool           `yaml:"move_tp"`
	Steps  []TrailingStep `yaml:"steps"`
}

// CloseBySignalConfig configures signal-driven exits. A nil MinProfit
// disables the profit floor.
type CloseBySignalConfig struct {
	Enable    bool     `yaml:"enable"`
	MinProfit *float64 `yaml:"min_profit"`
}

// EntryConfig controls how entry decisions are produced.
type EntryConfig struct {
	Signal     bool `yaml:"signal"`
	IsCloseBar bool `yaml:"is_close_bar"`
}

// StrategyConfig describes one strategy applied to a set of symbols.
// Direction lists the sides the strategy may open ("LONG", "SHORT").
type StrategyConfig struct {
	Name          string               `yaml:"name"`
	Enabled       bool                 `yaml:"enabled"`
	Direction     []string             `yaml:"direction"`
	Symbols       []string             `yaml:"symbols"`
	Entry         *EntryConfig         `yaml:"entry"`
	GridOrders    []GridStep           `yaml:"grid_orders"`
	TrailingSL    *TrailingSLConfig    `yaml:"trailing_sl"`
	CloseBySignal *CloseBySignalConfig `yaml:"close_by_signal"`
}

// EngineConfig holds the non-strategy engine knobs: timeouts, loop
// intervals, retry bounds.
type EngineConfig struct {
	HTTPTimeoutSeconds      int     `yaml:"http_timeout_seconds"`
	RecvWindowSeconds       int     `yaml:"recv_window_seconds"`
	CycleIntervalSeconds    int     `yaml:"cycle_interval_seconds"`
	SymbolMinIterationSec   float64 `yaml:"symbol_min_iteration_sec"`
	SymbolMaxIterationSec   float64 `yaml:"symbol_max_iteration_sec"`
	ReconcileIntervalSec    int     `yaml:"reconcile_interval_sec"`
	SnapshotIntervalSec     int     `yaml:"snapshot_interval_sec"`
	TimeSyncIntervalMinutes int     `yaml:"time_sync_interval_minutes"`
	RequestsPerSecond       float64 `yaml:"requests_per_second"`
	LogDirectory            string  `yaml:"log_directory"`
	StateDirectory          string  `yaml:"state_directory"`
	UseTestnet              bool    `yaml:"use_testnet"`
	UseMock                 bool    `yaml:"use_mock"`
}

// Config is the top-level configuration structure.
type Config struct {
	Users      []*UserConfig     `yaml:"users"`
	Strategies []*StrategyConfig `yaml:"strategies"`
	Engine     *EngineConfig     `yaml:"engine"`
	Logs       *LogConfig        `yaml:"logs"`
}

// NewConfig creates a Config with allocated nested blocks and the few safe
// defaults. All critical parameters MUST come from the YAML file; Validate
// enforces that.
func NewConfig() *Config {
	return &Config{
		Engine: &EngineConfig{
			SymbolMinIterationSec: 1.0,
			SymbolMaxIterationSec: 1.5,
			SnapshotIntervalSec:   5,
		},
		Logs: &LogConfig{},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and
// validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Error: Config file not found at %s. Program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// RiskFor resolves the effective SymbolRisk for a symbol, falling back to
// the ANY_COINS entry when no per-symbol block exists.
func (u *UserConfig) RiskFor(symbol string) *SymbolRisk {
	if r, ok := u.SymbolsRisk[symbol]; ok {
		return r
	}
	return u.SymbolsRisk["ANY_COINS"]
}

// Validate checks the logical consistency and completeness of the entire
// configuration.
func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return fmt.Errorf("Critical config missing: at least one entry under 'users' must be provided in config.yaml")
	}
	for i, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("Critical config missing: 'users[%d].name' must be explicitly specified in config.yaml", i)
		}
		if u.APIKeyEnv == "" || u.APISecretEnv == "" {
			return fmt.Errorf("Critical config missing: 'users[%d]' must specify api_key_env and api_secret_env (environment variable names)", i)
		}
		if u.Core == nil {
			return fmt.Errorf("Critical config missing: 'users[%d].core' configuration block must be provided in config.yaml", i)
		}
		if u.Core.MarginSize <= 0 {
			return fmt.Errorf("Critical config missing: 'users[%d].core.margin_size' must be explicitly specified in config.yaml and be positive", i)
		}
		if u.Core.Leverage <= 0 {
			return fmt.Errorf("Critical config missing: 'users[%d].core.leverage' must be explicitly specified in config.yaml and be positive", i)
		}
		if u.Core.MarginType != "ISOLATED" && u.Core.MarginType != "CROSSED" {
			return fmt.Errorf("Config error: users[%d].core.margin_type must be 'ISOLATED' or 'CROSSED'", i)
		}
		if u.Core.LongPositionsLimit < 0 || u.Core.ShortPositionsLimit < 0 {
			return fmt.Errorf("Config error: users[%d] position limits cannot be negative (0 means unlimited)", i)
		}
		if len(u.SymbolsRisk) == 0 {
			return fmt.Errorf("Critical config missing: 'users[%d].symbols_risk' must contain at least the 'ANY_COINS' fallback entry", i)
		}
		if _, ok := u.SymbolsRisk["ANY_COINS"]; !ok {
			return fmt.Errorf("Critical config missing: 'users[%d].symbols_risk' must contain the 'ANY_COINS' fallback entry", i)
		}
		for sym, r := range u.SymbolsRisk {
			if r == nil {
				return fmt.Errorf("Config error: users[%d].symbols_risk['%s'] block is empty", i, sym)
			}
			if r.IsMartin && r.MartinMultipliter <= 1 {
				return fmt.Errorf("Config error: users[%d].symbols_risk['%s'] martin_multipliter must be greater than 1 when is_martin is enabled", i, sym)
			}
			if r.SL != nil && *r.SL == 0 {
				return fmt.Errorf("Config error: users[%d].symbols_risk['%s'] sl must be non-zero or omitted entirely", i, sym)
			}
		}
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("Critical config missing: at least one entry under 'strategies' must be provided in config.yaml")
	}
	for i, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("Critical config missing: 'strategies[%d].name' must be explicitly specified in config.yaml", i)
		}
		if !s.Enabled {
			continue
		}
		if len(s.Symbols) == 0 {
			return fmt.Errorf("Critical config missing: 'strategies[%d].symbols' must list at least one trading pair", i)
		}
		if len(s.Direction) == 0 {
			return fmt.Errorf("Critical config missing: 'strategies[%d].direction' must list 'LONG', 'SHORT' or both", i)
		}
		for _, d := range s.Direction {
			if d != "LONG" && d != "SHORT" {
				return fmt.Errorf("Config error: strategies[%d].direction entries must be 'LONG' or 'SHORT', got '%s'", i, d)
			}
		}
		if len(s.GridOrders) == 0 {
			return fmt.Errorf("Critical config missing: 'strategies[%d].grid_orders' must contain at least the entry step", i)
		}
		for j, g := range s.GridOrders {
			if g.Volume <= 0 {
				return fmt.Errorf("Config error: strategies[%d].grid_orders[%d].volume must be positive (percent of margin)", i, j)
			}
			if j > 0 && g.Indent == 0 {
				return fmt.Errorf("Config error: strategies[%d].grid_orders[%d].indent must be non-zero for averaging steps", i, j)
			}
		}
		if s.TrailingSL != nil && s.TrailingSL.Enable {
			if len(s.TrailingSL.Steps) == 0 {
				return fmt.Errorf("Critical config missing: 'strategies[%d].trailing_sl.steps' must be provided when trailing_sl is enabled", i)
			}
			prev := 0.0
			for j, st := range s.TrailingSL.Steps {
				if st.ActivationIndent <= prev {
					return fmt.Errorf("Config error: strategies[%d].trailing_sl.steps[%d].activation_indent must be positive and strictly increasing", i, j)
				}
				prev = st.ActivationIndent
			}
		}
	}

	if c.Engine == nil {
		return fmt.Errorf("Critical config missing: 'engine' configuration block must be provided in config.yaml")
	}
	if c.Engine.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'engine.http_timeout_seconds' must be explicitly specified in config.yaml and be positive")
	}
	if c.Engine.RecvWindowSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'engine.recv_window_seconds' must be explicitly specified in config.yaml and be positive")
	}
	if c.Engine.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'engine.cycle_interval_seconds' must be explicitly specified in config.yaml and be positive")
	}
	if c.Engine.ReconcileIntervalSec <= 0 {
		return fmt.Errorf("Critical config missing: 'engine.reconcile_interval_sec' must be explicitly specified in config.yaml and be positive")
	}
	if c.Engine.TimeSyncIntervalMinutes <= 0 {
		return fmt.Errorf("Critical config missing: 'engine.time_sync_interval_minutes' must be explicitly specified in config.yaml and be positive")
	}
	if c.Engine.RequestsPerSecond <= 0 {
		return fmt.Errorf("Critical config missing: 'engine.requests_per_second' must be explicitly specified in config.yaml and be positive")
	}
	if c.Engine.SymbolMinIterationSec <= 0 || c.Engine.SymbolMaxIterationSec < c.Engine.SymbolMinIterationSec {
		return fmt.Errorf("Config error: engine.symbol_min_iteration_sec must be positive and not exceed engine.symbol_max_iteration_sec")
	}
	if c.Engine.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'engine.log_directory' must be explicitly specified in config.yaml (e.g., 'logs')")
	}
	if c.Engine.StateDirectory == "" {
		return fmt.Errorf("Critical config missing: 'engine.state_directory' must be explicitly specified in config.yaml (e.g., 'state')")
	}

	if c.Logs == nil {
		return fmt.Errorf("Critical config missing: 'logs' configuration block must be provided in config.yaml")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be explicitly specified in config.yaml (e.g., 'info', 'debug', 'warn', 'error')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_size_mb' must be explicitly specified in config.yaml and be positive")
	}
	if c.Logs.MaxBackups <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_backups' must be explicitly specified in config.yaml and be positive")
	}
	if c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_age_days' must be explicitly specified in config.yaml and be positive")
	}

	return nil
}
