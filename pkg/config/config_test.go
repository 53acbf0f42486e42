package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "perpengine.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	r := require.New(t)
	cfg, err := Load("")
	r.NoError(err)
	r.Equal("ETH-USD", cfg.Market.Symbol)
	r.Equal(time.Hour, cfg.Funding.Interval)
	r.Equal(int64(20), cfg.Risk.MaxLeverage)
	r.Equal("sqlite", cfg.Database.Driver)
	r.False(cfg.Kafka.Enabled())
	r.Equal("0.0.0.0:8080", cfg.HTTP.Addr())
	r.False(cfg.HTTP.RateLimit.Enabled)
	r.Equal(time.Second, cfg.HTTP.RateLimit.Period)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	r := require.New(t)
	path := writeConfig(t, `
service_name = "perp-test"

[market]
symbol = "BTC-USD"
base_reserve = "500"
quote_reserve = "30000000"

[funding]
interval = "8h"
max_staleness = "90s"

[kafka]
brokers = ["k1:9092", "k2:9092"]
group_id = "g1"

[dev_funding]
alice = "250.5"
`)
	t.Setenv("APP_RISK_MAX_LEVERAGE", "50")

	cfg, err := Load(path)
	r.NoError(err)
	r.Equal("perp-test", cfg.ServiceName)
	r.Equal("BTC-USD", cfg.Market.Symbol)
	r.True(Decimal(cfg.Market.QuoteReserve).Equal(Decimal("30000000")))
	r.Equal(8*time.Hour, cfg.Funding.Interval)
	r.Equal(90*time.Second, cfg.Funding.MaxStaleness)
	r.Equal(int64(50), cfg.Risk.MaxLeverage)
	r.Equal([]string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	r.Equal("g1", cfg.Kafka.GroupID)
	r.Equal("perp.events", cfg.Kafka.EventsTopic)
	r.Equal("250.5", cfg.DevFunding["alice"])
}

func TestValidateReportsAllProblems(t *testing.T) {
	r := require.New(t)
	path := writeConfig(t, `
[market]
symbol = ""
base_reserve = "abc"

[http]
port = 0
`)
	_, err := Load(path)
	r.Error(err)
	r.ErrorContains(err, "market.symbol is required")
	r.ErrorContains(err, "market.base_reserve")
	r.ErrorContains(err, "invalid HTTP port")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorContains(t, err, "failed to read config file")
}
