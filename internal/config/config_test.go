package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vcpd-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "auth:\n  key: secret\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6005, cfg.Server.Port)
	assert.Equal(t, "<<<[TOOL_REQUEST]>>>", cfg.Protocol.BlockOpen)
	assert.Equal(t, 10, cfg.Template.MaxDepth)
	assert.Equal(t, 30*time.Second, cfg.Plugins.DistributedTimeout)
	assert.Equal(t, []string{"Tar", "Var", "ENV_"}, cfg.Template.EnvPrefixes)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
auth:
  key: secret
server:
  port: 7100
template:
  max_depth: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Template.MaxDepth)
}

func TestLoadRequiresAuthKey(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7100\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-required-config")
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Auth.Key = "k-1234567"
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyDelimiters(t *testing.T) {
	cfg := Default()
	cfg.Auth.Key = "k-1234567"
	cfg.Protocol.ValueOpen = ""
	assert.Error(t, cfg.Validate())
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "vcpd.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "change-me", cfg.Auth.Key)

	// Second write must refuse to clobber.
	assert.Error(t, WriteDefault(path))
}
