package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, k := range []string{"PORT", "STORE_BACKEND", "REDIS_DB", "MAX_PARTICIPANTS", "STUN_URLS", "JWT_SECRET", "ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "rooms", cfg.Store.Root)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 4, cfg.Session.MaxParticipants)
	assert.Equal(t, 8, cfg.Session.UIDRetryLimit)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Session.STUNURLs)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("MAX_PARTICIPANTS", "not-a-number")
	t.Setenv("STUN_URLS", "stun:a:1, ,stun:b:2")

	cfg := Load()
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 4, cfg.Session.MaxParticipants)
	assert.Equal(t, []string{"stun:a:1", "stun:b:2"}, cfg.Session.STUNURLs)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MESHCHAT_TEST_ROOT=from-file\nSTORE_ROOT=from-file\n"), 0o600))
	t.Setenv("STORE_ROOT", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("MESHCHAT_TEST_ROOT") })

	cfg := Load()
	assert.Equal(t, "from-env", cfg.Store.Root)
	assert.Equal(t, "from-file", os.Getenv("MESHCHAT_TEST_ROOT"))
}
