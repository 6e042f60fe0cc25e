package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/workexec/pkg/database"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, database.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, IdentityModeStatic, cfg.Identity.Mode)
	assert.Equal(t, 90, cfg.WorkLog.RetentionDays)
	assert.Equal(t, time.Hour, cfg.WorkLog.CleanupInterval)
	assert.Equal(t, time.Minute, cfg.Affinity.SweepInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, database.DriverPostgres, cfg.Database.Driver)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	path := writeConfigFile(t, "database: [not a mapping")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  driver: sqlite
  dsn: file:test.db
  max_open_conns: 4
identity:
  mode: keyring
affinity:
  sweep_interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, database.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Database.MaxOpenConns)
	assert.Equal(t, IdentityModeKeyring, cfg.Identity.Mode)
	assert.Equal(t, 30*time.Second, cfg.Affinity.SweepInterval)
	assert.Equal(t, 90, cfg.WorkLog.RetentionDays, "defaults survive for unset keys")
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
database:
  driver: postgres
  dsn: postgres://from-file/db
`)
	t.Setenv("WORKEXEC_DB_DSN", "postgres://from-env/db")
	t.Setenv("WORKEXEC_IDENTITY_MODE", "token")
	t.Setenv("WORKEXEC_IDENTITY_ISSUER", "workexec")
	t.Setenv("WORKEXEC_IDENTITY_SIGNING_KEY", "k")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://from-env/db", cfg.Database.DSN)
	assert.Equal(t, IdentityModeToken, cfg.Identity.Mode)
	assert.Equal(t, "workexec", cfg.Identity.Issuer)
}

func TestValidate_InvalidDriver(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database driver")
}

func TestValidate_InvalidIdentityMode(t *testing.T) {
	cfg := Default()
	cfg.Identity.Mode = "ldap"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid identity mode")
}

func TestValidate_TokenModeRequiresIssuerAndKey(t *testing.T) {
	cfg := Default()
	cfg.Identity.Mode = IdentityModeToken
	cfg.Identity.SigningKey = "k"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an issuer")

	cfg.Identity.Issuer = "workexec"
	cfg.Identity.SigningKey = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a signing key")

	cfg.Identity.SigningKey = "k"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_WorkLogRequiresPostgres(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = database.DriverSQLite
	cfg.WorkLog.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work log requires")
}

func TestValidate_NegativeRetentionRejected(t *testing.T) {
	cfg := Default()
	cfg.WorkLog.RetentionDays = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention days")
}
