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
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "1000", cfg.Pacts.MaxStake)
	assert.Equal(t, 24, cfg.Pacts.GracePeriodHours)
	assert.Equal(t, 50, cfg.Pacts.GroupVoteThresholdPct)
	assert.Equal(t, "0.05", cfg.Commission.Rate("public").String())
	assert.Equal(t, "0.03", cfg.Commission.Rate("friends").String())
	assert.Equal(t, "0.04", cfg.Commission.Rate("group").String())
	assert.Equal(t, "memory", cfg.RateLimitStore.Backend)
	assert.Equal(t, RateRule{Max: 5, WindowSeconds: 60}, cfg.RateLimits.Actions["auth"])
	assert.Equal(t, 5*time.Minute, cfg.RateLimits.Actions["proof_submit"].Window())
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "")

	path := writeConfig(t, `
[server]
port = 9090

[database]
host = "db"
user = "pacts"
password = "pw"
database = "pacts_test"

[pacts]
max_stake = "500"
vote_window_hours = 48

[commission]
friends = "0.02"

[rate_limits.actions.join]
max = 3
window_seconds = 30

[ratelimit_store]
backend = "sqlite"

[service_keys]
kyc = "$2a$10$abcdefghijklmnopqrstuv"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://pacts:pw@db:5432/pacts_test?sslmode=disable", cfg.Database.DatabaseURL())
	assert.Equal(t, "500", cfg.Pacts.MaxStake)
	assert.Equal(t, 48, cfg.Pacts.VoteWindowHours)
	assert.Equal(t, 72, DefaultConfig().Pacts.VoteWindowHours)
	assert.Equal(t, "0.02", cfg.Commission.Friends)
	assert.Equal(t, "0.05", cfg.Commission.Public)
	assert.Equal(t, RateRule{Max: 3, WindowSeconds: 30}, cfg.RateLimits.Actions["join"])
	assert.Equal(t, RateRule{Max: 5, WindowSeconds: 60}, cfg.RateLimits.Actions["payment"], "unlisted actions keep defaults")
	assert.Equal(t, "sqlite", cfg.RateLimitStore.Backend)
	assert.Contains(t, cfg.ServiceKeys, "kyc")
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadDatabaseURLFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@remote:5432/pacts")
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@remote:5432/pacts", cfg.Database.DatabaseURL())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad max stake", "[pacts]\nmax_stake = \"lots\"\n"},
		{"negative commission", "[commission]\npublic = \"-0.1\"\n"},
		{"commission above one", "[commission]\ngroup = \"1.5\"\n"},
		{"zero rate max", "[rate_limits.actions.join]\nmax = 0\nwindow_seconds = 60\n"},
		{"zero rate window", "[rate_limits.actions.dispute]\nmax = 5\nwindow_seconds = 0\n"},
		{"reject above flag", "[integrity]\nreject_below = 70\nflag_below = 60\n"},
		{"unknown backend", "[ratelimit_store]\nbackend = \"redis\"\n"},
		{"malformed toml", "[server\nport = 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestRateLimitsRules(t *testing.T) {
	rules, fallback := DefaultConfig().RateLimits.Rules()
	assert.Equal(t, time.Hour, rules["dispute"].Window)
	assert.Equal(t, 5, rules["dispute"].Max)
	assert.Equal(t, 60, fallback.Max)
	assert.Equal(t, time.Minute, fallback.Window)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
