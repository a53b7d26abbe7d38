package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.Library.LoanPeriod)
	assert.Equal(t, 5.0, cfg.Library.FineRate)
	assert.Equal(t, "0 8 * * *", cfg.Sweeps.ReapSchedule)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "library.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: prod
auth:
  jwt_secret: from-file
database:
  driver: sqlite3
  dsn: file.db
library:
  fine_rate: 2.5
`), 0o600))

	t.Setenv("LIBRARY_FINE_RATE", "7")
	t.Setenv("LIBRARY_LOAN_PERIOD", "72h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 7.0, cfg.Library.FineRate)
	assert.Equal(t, 72*time.Hour, cfg.Library.LoanPeriod)
	assert.Equal(t, ":5000", cfg.Server.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"secret outside dev", func(c *Config) { c.Mode = "prod" }, "jwt_secret"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "unknown database driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.dsn"},
		{"redis without url", func(c *Config) { c.Redis.CodeStore = CodeStoreRedis }, "redis.url"},
		{"zero loan period", func(c *Config) { c.Library.LoanPeriod = 0 }, "loan_period"},
		{"negative fine", func(c *Config) { c.Library.FineRate = -1 }, "fine_rate"},
		{"bad policy", func(c *Config) { c.Library.ReturnAvailability = "sometimes" }, "return availability"},
		{"smtp without host", func(c *Config) { c.Mail.Transport = "smtp" }, "smtp_host"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
