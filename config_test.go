package kiln_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kiln "github.com/kilnml/kiln"
)

func TestConfigRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kiln.toml")

	want := kiln.Config{
		Tracking: kiln.TrackingConfig{
			URL:        "http://localhost:5000",
			Experiment: "mnist",
			ModelName:  "mnist-classifier",
		},
		Training: kiln.TrainingConfig{
			Epochs:       5,
			BatchSize:    64,
			LearningRate: 0.1,
			Seed:         42,
			DataDir:      "/tmp/kiln/mnist",
		},
	}
	require.NoError(t, want.Save(path))

	got, err := kiln.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
}

func TestLoadConfigParses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kiln.toml")
	raw := `
[tracking]
url = "http://tracking:5000"
experiment = "digits"

[training]
epochs = 3
batch_size = 32
learning_rate = 0.05
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := kiln.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://tracking:5000", cfg.Tracking.URL)
	assert.Equal(t, "digits", cfg.Tracking.Experiment)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, 32, cfg.Training.BatchSize)
	assert.InDelta(t, 0.05, cfg.Training.LearningRate, 1e-12)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := kiln.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))
	_, err = kiln.LoadConfig(path)
	assert.Error(t, err)
}
