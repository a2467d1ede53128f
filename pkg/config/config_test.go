package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferlab/boed/pkg/config"
	boederr "github.com/inferlab/boed/pkg/errors"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.Experiment.Steps)
	assert.Len(t, cfg.Experiment.TrueWeights, cfg.Experiment.P)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	doc := `
experiment:
  steps: 3
  num_parallel: 2
  n: 2
  p: 2
  scale: 1
  true_weights: [1, -2]
  true_sigma: 0.5
  strategies: [pce-grad, posterior-grad]
  seed: 7
output:
  log_level: DEBUG
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Experiment.Steps)
	assert.Equal(t, []string{"pce-grad", "posterior-grad"}, cfg.Experiment.Strategies)
	assert.Equal(t, int64(7), cfg.Experiment.Seed)
	assert.Equal(t, "DEBUG", cfg.Output.LogLevel)
	// untouched sections keep the defaults
	assert.Equal(t, 1000, cfg.Gradient.Steps)
	assert.Equal(t, 0.04, cfg.ELBO.LR)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.BadConfig))
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("experiment: ["), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.BadConfig))
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.Experiment.Strategies = []string{"pce-grad", "gradient-descent"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.BadConfig))
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidateRejectsWeightLengthMismatch(t *testing.T) {
	cfg := config.Default()
	cfg.Experiment.TrueWeights = []float64{1, 2}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, boederr.HasCode(err, boederr.BadConfig))
}

func TestValidateRejectsNonPositiveBudgets(t *testing.T) {
	cfg := config.Default()
	cfg.Gradient.StartLR = 0
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.ELBO.Steps = 0
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Experiment.TrueSigma = -1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Output.LogLevel = "TRACE"
	require.Error(t, cfg.Validate())
}
