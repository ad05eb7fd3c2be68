// config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pct(v float64) *float64 { return &v }

func validConfig() *Config {
	cfg := NewConfig()
	cfg.Users = []*UserConfig{{
		Name:         "alice",
		APIKeyEnv:    "ALICE_KEY",
		APISecretEnv: "ALICE_SECRET",
		Core: &CoreConfig{
			MarginSize: 100,
			Leverage:   10,
			MarginType: "ISOLATED",
		},
		SymbolsRisk: map[string]*SymbolRisk{
			"ANY_COINS": {TP: pct(2), SL: pct(-2)},
		},
	}}
	cfg.Strategies = []*StrategyConfig{{
		Name:       "crona",
		Enabled:    true,
		Direction:  []string{"LONG", "SHORT"},
		Symbols:    []string{"BTCUSDT"},
		GridOrders: []GridStep{{Volume: 100}, {Indent: 1, Volume: 100}},
	}}
	cfg.Engine.HTTPTimeoutSeconds = 10
	cfg.Engine.RecvWindowSeconds = 20
	cfg.Engine.CycleIntervalSeconds = 1
	cfg.Engine.ReconcileIntervalSec = 2
	cfg.Engine.TimeSyncIntervalMinutes = 15
	cfg.Engine.RequestsPerSecond = 8
	cfg.Engine.LogDirectory = "logs"
	cfg.Engine.StateDirectory = "state"
	cfg.Logs = &LogConfig{LogLevel: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7}
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsMissingCriticalFields(t *testing.T) {
	cases := []struct {
		name  string
		mutate func(*Config)
	}{
		{"no users", func(c *Config) { c.Users = nil }},
		{"no core block", func(c *Config) { c.Users[0].Core = nil }},
		{"zero margin", func(c *Config) { c.Users[0].Core.MarginSize = 0 }},
		{"bad margin type", func(c *Config) { c.Users[0].Core.MarginType = "cross" }},
		{"no fallback risk", func(c *Config) { delete(c.Users[0].SymbolsRisk, "ANY_COINS") }},
		{"zero sl", func(c *Config) { c.Users[0].SymbolsRisk["ANY_COINS"].SL = pct(0) }},
		{"martin without multiplier", func(c *Config) {
			c.Users[0].SymbolsRisk["ANY_COINS"].IsMartin = true
		}},
		{"no strategies", func(c *Config) { c.Strategies = nil }},
		{"no symbols", func(c *Config) { c.Strategies[0].Symbols = nil }},
		{"bad direction", func(c *Config) { c.Strategies[0].Direction = []string{"BOTH"} }},
		{"no entry step", func(c *Config) { c.Strategies[0].GridOrders = nil }},
		{"averaging step without indent", func(c *Config) {
			c.Strategies[0].GridOrders = []GridStep{{Volume: 100}, {Volume: 50}}
		}},
		{"trailing without steps", func(c *Config) {
			c.Strategies[0].TrailingSL = &TrailingSLConfig{Enable: true}
		}},
		{"trailing activations not increasing", func(c *Config) {
			c.Strategies[0].TrailingSL = &TrailingSLConfig{Enable: true, Steps: []TrailingStep{
				{ActivationIndent: 2, OffsetIndent: 0.5},
				{ActivationIndent: 1, OffsetIndent: 1},
			}}
		}},
		{"no cycle interval", func(c *Config) { c.Engine.CycleIntervalSeconds = 0 }},
		{"no log directory", func(c *Config) { c.Engine.LogDirectory = "" }},
		{"no log level", func(c *Config) { c.Logs.LogLevel = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDisabledStrategySkipsChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Strategies = append(cfg.Strategies, &StrategyConfig{Name: "parked", Enabled: false})
	assert.NoError(t, cfg.Validate())
}

func TestRiskForFallback(t *testing.T) {
	u := validConfig().Users[0]
	u.SymbolsRisk["ETHUSDT"] = &SymbolRisk{TP: pct(5)}

	require.NotNil(t, u.RiskFor("ETHUSDT"))
	assert.InDelta(t, 5.0, *u.RiskFor("ETHUSDT").TP, 1e-9)
	// unknown symbols resolve to the ANY_COINS entry
	assert.InDelta(t, 2.0, *u.RiskFor("XRPUSDT").TP, 1e-9)
}

func TestLoadConfigFromYAML(t *testing.T) {
	yaml := `
users:
  - name: alice
    api_key_env: ALICE_KEY
    api_secret_env: ALICE_SECRET
    core:
      margin_size: 100
      leverage: 10
      margin_type: ISOLATED
      long_positions_limit: 2
    symbols_risk:
      ANY_COINS:
        tp: 2.0
        sl: -2.0
        is_martin: true
        martin_multipliter: 2.0
strategies:
  - name: crona
    enabled: true
    direction: [LONG, SHORT]
    symbols: [BTCUSDT]
    grid_orders:
      - { indent: 0, volume: 100, signal: true }
      - { indent: 1.5, volume: 120, signal: false }
    trailing_sl:
      enable: true
      move_tp: true
      steps:
        - { activation_indent: 1, offset_indent: 0.2 }
engine:
  http_timeout_seconds: 10
  recv_window_seconds: 20
  cycle_interval_seconds: 1
  reconcile_interval_sec: 2
  time_sync_interval_minutes: 15
  requests_per_second: 8
  log_directory: logs
  state_directory: state
logs:
  log_level: info
  max_size_mb: 10
  max_backups: 3
  max_age_days: 7
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Users, 1)
	assert.Equal(t, 2, cfg.Users[0].Core.LongPositionsLimit)
	risk := cfg.Users[0].RiskFor("BTCUSDT")
	require.NotNil(t, risk)
	assert.True(t, risk.IsMartin)
	assert.InDelta(t, -2.0, *risk.SL, 1e-9)

	require.Len(t, cfg.Strategies, 1)
	assert.True(t, cfg.Strategies[0].GridOrders[0].Signal)
	assert.InDelta(t, 1.5, cfg.Strategies[0].GridOrders[1].Indent, 1e-9)
	require.NotNil(t, cfg.Strategies[0].TrailingSL)
	assert.True(t, cfg.Strategies[0].TrailingSL.MoveTP)

	// defaults survive when the YAML does not override them
	assert.InDelta(t, 1.0, cfg.Engine.SymbolMinIterationSec, 1e-9)
	assert.Equal(t, 5, cfg.Engine.SnapshotIntervalSec)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
