package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidation(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoad_AppliesYamlOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9099\nlimits:\n  chunk_size: 20000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9099, cfg.Server.Port)
	require.Equal(t, 20000, cfg.Limits.ChunkSize)
}

func TestLoad_AppliesEnvironmentOverride(t *testing.T) {
	t.Setenv("CLEANENGINE_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestValidate_RejectsInconsistentWatermarks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.HighWatermark = 0.2
	cfg.Limits.LowWatermark = 0.5
	require.Error(t, Validate(cfg))
}

func TestValidate_RejectsBadChunkBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.ChunkSize = 0
	require.Error(t, Validate(cfg))
}

func TestValidate_RejectsTracingWithoutEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = ""
	require.Error(t, Validate(cfg))
}
