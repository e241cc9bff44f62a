package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(f)
	require.NoError(t, f.Parse(nil))

	cfg, err := Load(f, "")
	require.NoError(t, err)
	require.Equal(t, "./monocle-data", cfg.DataDir)
	require.Equal(t, 4, cfg.Parallelism)
}

func TestLoadConfigFileOverriddenByFlag(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "monocle.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
data-dir = "/from/file"
parallelism = 8
`), 0o644))

	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(f)
	require.NoError(t, f.Parse([]string{"--parallelism=16"}))

	cfg, err := Load(f, cfgPath)
	require.NoError(t, err)
	require.Equal(t, "/from/file", cfg.DataDir, "file value applies where no flag was set")
	require.Equal(t, 16, cfg.Parallelism, "explicit flag overrides the file")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(f)
	require.NoError(t, f.Parse([]string{"--log=not-a-level"}))

	_, err := Load(f, "")
	require.Error(t, err)
}
