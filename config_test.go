package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, DefaultMaxLogOnRetries, cfg.MaxLogOnRetries)
	assert.Equal(t, DefaultLoginTimeout, cfg.LoginTimeout)
	assert.Equal(t, DefaultInterLoginDelay, cfg.InterLoginDelay)
	assert.Equal(t, DefaultCheckHost, cfg.CheckHost)
	assert.True(t, cfg.RelogEnabled)
	assert.False(t, cfg.SkipSecondFactorForNonPrimary)
	assert.Equal(t, "memory", cfg.TokenStore)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("MAX_LOGON_RETRIES", "4")
	t.Setenv("LOGIN_TIMEOUT_MS", "15000")
	t.Setenv("INTER_LOGIN_DELAY_MS", "100")
	t.Setenv("SKIP_2FA_NON_PRIMARY", "true")
	t.Setenv("RELOG_ENABLED", "false")
	t.Setenv("PROXIES", "socks5://127.0.0.1:9101, http://127.0.0.1:9102 ,")

	cfg := LoadConfig()

	assert.Equal(t, 4, cfg.MaxLogOnRetries)
	assert.Equal(t, 15*time.Second, cfg.LoginTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.InterLoginDelay)
	assert.True(t, cfg.SkipSecondFactorForNonPrimary)
	assert.False(t, cfg.RelogEnabled)
	assert.Equal(t, []string{"socks5://127.0.0.1:9101", "http://127.0.0.1:9102"}, cfg.Proxies)
}

func TestLoadConfigInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("MAX_LOGON_RETRIES", "lots")
	t.Setenv("LOGIN_TIMEOUT_MS", "-5")

	cfg := LoadConfig()

	assert.Equal(t, DefaultMaxLogOnRetries, cfg.MaxLogOnRetries)
	assert.Equal(t, DefaultLoginTimeout, cfg.LoginTimeout)
}

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.txt")
	content := `# fleet accounts, primary first
alice:hunter2:c2hhcmVk

bob:swordfish
malformed-line
carol:pass:secret:extra
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	creds, err := loadCredentials(path)
	require.NoError(t, err)
	require.Len(t, creds, 3)

	assert.Equal(t, Credentials{AccountName: "alice", Password: "hunter2", SharedSecret: "c2hhcmVk"}, creds[0])
	assert.Equal(t, Credentials{AccountName: "bob", Password: "swordfish"}, creds[1])
	assert.Equal(t, "carol", creds[2].AccountName)
}

func TestLoadCredentialsMissingFile(t *testing.T) {
	_, err := loadCredentials(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}
