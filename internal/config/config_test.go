package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
app:
  instance_id: marlin-1
loop:
  symbols: ["AAPL", "MSFT"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, "data/ledger.db", cfg.Ledger.Path)
	assert.Equal(t, "paper", cfg.Broker.Kind)
	assert.Equal(t, 30*time.Second, cfg.Loop.Interval)
	assert.Equal(t, 30*time.Second, cfg.Loop.CheckpointEvery)
	assert.Equal(t, 20, cfg.Loop.CheckpointKeep)
	assert.Equal(t, 24*time.Hour, cfg.Loop.CheckpointMaxAge)
	assert.Equal(t, 10000.0, cfg.Loop.InitialCapital)
	assert.Equal(t, "sma_cross", cfg.Strategy.Name)
	assert.NotNil(t, cfg.Strategy.Params)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  instance_id: marlin-1
  log_level: debug
ledger:
  path: /tmp/marlin/ledger.db
recording:
  enabled: true
  path: /tmp/marlin/recordings
broker:
  kind: binance
  api_key: k
  secret_key: s
  http_timeout: 5s
loop:
  interval: 1m
  checkpoint_every: 2m
  symbols: ["BTCUSDT"]
  initial_capital: 2500
strategy:
  name: sma_cross
  params:
    fast_period: 3
    slow_period: 9
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.True(t, cfg.Recording.Enabled)
	assert.Equal(t, "binance", cfg.Broker.Kind)
	assert.Equal(t, 5*time.Second, cfg.Broker.HTTPTimeout)
	assert.Equal(t, time.Minute, cfg.Loop.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Loop.CheckpointEvery)
	assert.Equal(t, 2500.0, cfg.Loop.InitialCapital)
	assert.Equal(t, 3, cfg.Strategy.Params["fast_period"])
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing instance id",
			body: "loop:\n  symbols: [\"AAPL\"]\n",
			want: "instance_id",
		},
		{
			name: "unknown broker kind",
			body: "app:\n  instance_id: x\nbroker:\n  kind: robinhood\nloop:\n  symbols: [\"AAPL\"]\n",
			want: "broker.kind",
		},
		{
			name: "binance without credentials",
			body: "app:\n  instance_id: x\nbroker:\n  kind: binance\nloop:\n  symbols: [\"AAPL\"]\n",
			want: "api_key",
		},
		{
			name: "no symbols and no resume target",
			body: "app:\n  instance_id: x\n",
			want: "symbols",
		},
		{
			name: "blank symbol entry",
			body: "app:\n  instance_id: x\nloop:\n  symbols: [\"AAPL\", \"  \"]\n",
			want: "empty symbol",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_ResumeSkipsSymbolRequirement(t *testing.T) {
	path := writeConfig(t, `
app:
  instance_id: marlin-1
loop:
  resume_session_id: sess-123
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sess-123", cfg.Loop.ResumeSessionID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}
