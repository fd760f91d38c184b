package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
role: fast
port: 8711
`))
	require.NoError(t, err)

	require.Equal(t, "fast", cfg.Role)
	require.Equal(t, 8711, cfg.Port)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, time.Second, cfg.Health.Interval)
	require.Equal(t, 3, cfg.Health.FailureThreshold)
	require.Equal(t, 5, cfg.Snapshots.Retention)
	require.True(t, cfg.Sandbox.Enabled)
	require.Equal(t, 30*time.Second, cfg.Sandbox.MaxExecutionTime)
	require.Equal(t, 512, cfg.Sandbox.MaxMemoryMB)
	require.True(t, cfg.Tools.HotReload)
}

func TestLoadConfigParsesTiers(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
tiers:
  - name: fast
    host: 10.0.0.1
    port: 8711
  - name: standard
    port: 8712
    skip-when: 'priority == "critical"'
  - name: adaptive
    port: 8713
`))
	require.NoError(t, err)

	require.Len(t, cfg.Tiers, 3)
	require.Equal(t, "http://10.0.0.1:8711", cfg.Tiers[0].BaseURL())
	require.Equal(t, "http://127.0.0.1:8712", cfg.Tiers[1].BaseURL(), "empty host defaults to loopback")
	require.Equal(t, `priority == "critical"`, cfg.Tiers[1].SkipWhen)
	require.Empty(t, cfg.Tiers[2].SkipWhen)
}

func TestLoadConfigHashesPlaintextControlKey(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
control-key: sesame
`))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(cfg.ControlKey, "$2"), "plaintext key must be stored as a bcrypt hash")
	require.True(t, cfg.VerifyControlKey("sesame"))
	require.False(t, cfg.VerifyControlKey("wrong"))
}

func TestLoadConfigKeepsHashedControlKey(t *testing.T) {
	hashed, err := hashSecret("sesame")
	require.NoError(t, err)

	cfg, err := LoadConfig(writeConfig(t, "control-key: "+hashed+"\n"))
	require.NoError(t, err)
	require.Equal(t, hashed, cfg.ControlKey, "an already-hashed key must not be re-hashed")
	require.True(t, cfg.VerifyControlKey("sesame"))
}

func TestEmptyControlKeyAdmitsEverything(t *testing.T) {
	cfg := &Config{}
	require.True(t, cfg.VerifyControlKey(""))
	require.True(t, cfg.VerifyControlKey("anything"))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "tiers: [unbalanced"))
	require.Error(t, err)
}
