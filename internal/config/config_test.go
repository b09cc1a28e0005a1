package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":0", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.InviteTimeout)
	assert.Equal(t, time.Second, cfg.CheckTimeout)
	assert.Equal(t, 3*cfg.BeaconInterval, cfg.PeerTTL)
	assert.True(t, cfg.DevTLS)
	assert.Equal(t, DefaultDir, filepath.Base(cfg.Home))
}

func TestJSONThenFlags(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"home":           "/tmp/from-json",
		"listen_addr":    ":7000",
		"check_timeout":  "3s",
		"invite_timeout": 5000000000,
		"debug":          true,
		"dev_tls":        false,
	})
	cfg, err := Load([]string{"-c", path, "-listen", ":7001", "-unrelated", "x"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-json", cfg.Home)
	assert.Equal(t, ":7001", cfg.ListenAddr, "flags override the file")
	assert.Equal(t, 3*time.Second, cfg.CheckTimeout)
	assert.Equal(t, 5*time.Second, cfg.InviteTimeout)
	assert.True(t, cfg.Debug)
	assert.False(t, cfg.DevTLS)
}

func TestFlagsOnly(t *testing.T) {
	cfg, err := Load([]string{"-home=/tmp/h", "-check-timeout", "250ms", "-debug"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/h", cfg.Home)
	assert.Equal(t, 250*time.Millisecond, cfg.CheckTimeout)
	assert.True(t, cfg.Debug)
	assert.Equal(t, filepath.Join("/tmp/h", "securechat.db"), cfg.DBPath())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]string{"-c", filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = Load([]string{"-config", bad})
	assert.Error(t, err)

	_, err = Load([]string{"-check-timeout", "0s"})
	assert.Error(t, err)
}
