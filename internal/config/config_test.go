package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybreaknews/entitlement/internal/ledger"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ENTITLEMENT_DATA_DIR", "ENTITLEMENT_LISTEN_ADDR", "ENTITLEMENT_DB_PATH",
		"ENTITLEMENT_VENDOR_KEY_FILE", "ENTITLEMENT_VENDOR_AUDIENCE", "ENTITLEMENT_SERVER_TOKEN",
		"ENTITLEMENT_ENVIRONMENT", "ENTITLEMENT_LOG_LEVEL", "ENTITLEMENT_LOG_FORMAT",
	} {
		// t.Setenv registers a cleanup restoring the original value, but
		// leaves the variable present-but-empty, which godotenv.Load would
		// refuse to override; unset it so the variable is truly absent.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7600", cfg.ListenAddr)
	assert.Equal(t, "/etc/entitlementd", cfg.DataDir)
	assert.Equal(t, "/etc/entitlementd/entitlement.db", cfg.DBPath)
	assert.Equal(t, "/etc/entitlementd/vendor-keys.pem", cfg.VendorKeyFile)
	assert.Equal(t, ledger.EnvProduction, cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("ENTITLEMENT_DATA_DIR", dir)
	t.Setenv("ENTITLEMENT_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("ENTITLEMENT_ENVIRONMENT", "sandbox")
	t.Setenv("ENTITLEMENT_VENDOR_AUDIENCE", "com.daybreak.news")
	t.Setenv("ENTITLEMENT_SERVER_TOKEN", "secret")
	t.Setenv("ENTITLEMENT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "entitlement.db"), cfg.DBPath)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, ledger.EnvSandbox, cfg.Environment)
	assert.Equal(t, "com.daybreak.news", cfg.VendorAud)
	assert.Equal(t, "secret", cfg.ServerToken)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENTITLEMENT_ENVIRONMENT", "staging")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadReadsDotEnvFromDataDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("ENTITLEMENT_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ENTITLEMENT_LISTEN_ADDR=127.0.0.1:8123\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8123", cfg.ListenAddr)
}

func TestLoadAPITokensMissingFile(t *testing.T) {
	tokens, err := LoadAPITokens(filepath.Join(t.TempDir(), "api-tokens.json"))
	require.NoError(t, err, "a missing token file means an empty set, not a crash")

	_, ok := tokens.UserForToken("anything")
	assert.False(t, ok, "with no tokens every request fails closed")
}

func TestLoadAPITokensRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api-tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))

	_, err := LoadAPITokens(path)
	assert.Error(t, err)
}

func TestLoadAPITokensResolvesStoredHashes(t *testing.T) {
	sum := sha256.Sum256([]byte("device-token-1"))
	path := filepath.Join(t.TempDir(), "api-tokens.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"`+hex.EncodeToString(sum[:])+`":"user-1"}`), 0o600))

	tokens, err := LoadAPITokens(path)
	require.NoError(t, err)

	userID, ok := tokens.UserForToken("device-token-1")
	require.True(t, ok)
	assert.Equal(t, "user-1", userID)

	_, ok = tokens.UserForToken("device-token-2")
	assert.False(t, ok)
}

func TestAPITokensAdd(t *testing.T) {
	tokens, err := LoadAPITokens(filepath.Join(t.TempDir(), "api-tokens.json"))
	require.NoError(t, err)

	tokens.Add("tok", "user-9")

	userID, ok := tokens.UserForToken("tok")
	require.True(t, ok)
	assert.Equal(t, "user-9", userID)

	_, ok = tokens.UserForToken("")
	assert.False(t, ok)
}
