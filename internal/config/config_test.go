package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmcache/internal/config"
	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func Test_Load_Returns_Defaults_When_No_Files_Exist(t *testing.T) {
	t.Parallel()

	work := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDir: work, Env: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, int64(shmcache.DefaultSize), cfg.Size)
	assert.Equal(t, 5*time.Second, cfg.LockTimeoutDuration)
	assert.Equal(t, work, cfg.EffectiveCwd)
	assert.Empty(t, cfg.Sources.Global)
	assert.Empty(t, cfg.Sources.Project)
}

func Test_Load_Applies_Precedence_When_All_Sources_Present(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	xdg := t.TempDir()

	writeFile(t, filepath.Join(xdg, "shmc", "config.json"), `{
		// global
		"namespace": "global",
		"size": 1048576,
		"lock_timeout": "1s",
	}`)
	writeFile(t, filepath.Join(work, config.FileName), `{"namespace": "project", "index_capacity": 99}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDir:   work,
		Env:       map[string]string{"XDG_CONFIG_HOME": xdg},
		Overrides: config.Config{LockTimeout: "250ms"},
	})
	require.NoError(t, err)

	assert.Equal(t, "project", cfg.Namespace)
	assert.Equal(t, int64(1<<20), cfg.Size)
	assert.Equal(t, uint64(99), cfg.IndexCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeoutDuration)
	assert.Equal(t, filepath.Join(xdg, "shmc", "config.json"), cfg.Sources.Global)
	assert.Equal(t, filepath.Join(work, config.FileName), cfg.Sources.Project)

	opts := cfg.Options()
	assert.Equal(t, "project", opts.Namespace)
	assert.Equal(t, uint64(99), opts.IndexCapacity)
	assert.Equal(t, 250*time.Millisecond, opts.LockTimeout)
}

func Test_Load_Replaces_Namespace_When_Env_Sets_File(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	writeFile(t, filepath.Join(work, config.FileName), `{"namespace": "project"}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDir: work,
		Env:     map[string]string{config.EnvFile: "cache.bin"},
	})
	require.NoError(t, err)

	assert.Empty(t, cfg.Namespace)
	assert.Equal(t, filepath.Join(work, "cache.bin"), cfg.File)

	drop := cfg.DropOptions(true)
	assert.Equal(t, cfg.File, drop.Filename)
	assert.True(t, drop.Force)
}

func Test_Load_Returns_Error_When_Explicit_Config_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDir: t.TempDir(), ConfigPath: "nope.json"})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func Test_Load_Returns_ErrConfigInvalid_When_File_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "BrokenJSON", content: `{"namespace": `},
		{name: "WrongType", content: `{"size": "big"}`},
		{name: "BadDuration", content: `{"lock_timeout": "soon"}`},
		{name: "NegativeSize", content: `{"size": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			work := t.TempDir()
			writeFile(t, filepath.Join(work, "custom.json"), tt.content)

			_, err := config.Load(config.LoadInput{WorkDir: work, ConfigPath: "custom.json"})
			require.ErrorIs(t, err, config.ErrConfigInvalid)
		})
	}
}

func Test_Parse_Accepts_Template_When_Written_By_InitConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(config.Template))
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, int64(shmcache.DefaultSize), cfg.Size)
	assert.Equal(t, "5s", cfg.LockTimeout)
}
