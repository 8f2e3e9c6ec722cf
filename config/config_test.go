package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Data.Width)
	assert.Equal(t, 30, cfg.Data.Height)
	assert.Equal(t, 43, cfg.Data.Categories)
	assert.Equal(t, 0.4, cfg.Data.TestSize)
	assert.Equal(t, 10, cfg.Train.Epochs)
	assert.Equal(t, 32, cfg.Train.Batch)
	assert.Equal(t, "final", cfg.Train.Experiment)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "", cfg.Web.Addr)
}

func TestFileEnvFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("train:\n  epochs: 5\n  batch: 64\ndata:\n  width: 32\nweb:\n  addr: \":9000\"\n"), 0644)
	require.NoError(t, err)
	t.Setenv("TRAFFIC_TRAIN_BATCH", "16")

	cfg, err := Load("", newFlags(t, "--config", path, "--epochs", "3", "--log.level", "debug"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Train.Epochs, "flag overrides file")
	assert.Equal(t, 16, cfg.Train.Batch, "env overrides file")
	assert.Equal(t, 32, cfg.Data.Width, "unset flag keeps file value")
	assert.Equal(t, 30, cfg.Data.Height)
	assert.Equal(t, ":9000", cfg.Web.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := Load("", newFlags(t, "--test-size", "1.5"))
	assert.Error(t, err)
	_, err = Load("", newFlags(t, "--width", "0"))
	assert.Error(t, err)
	_, err = Load("", newFlags(t, "--epochs", "0"))
	assert.Error(t, err)
	cfg, err := Load("", newFlags(t, "--categories", "0"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Data.Categories)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "train.epochs", envKey("TRAFFIC_TRAIN_EPOCHS"))
	assert.Equal(t, "web.addr", envKey("TRAFFIC_WEB_ADDR"))
}

func TestFlagKeys(t *testing.T) {
	fs := newFlags(t)
	for name := range flagKeys {
		assert.NotNil(t, fs.Lookup(name), "flag %s is not registered", name)
	}
}
