package main

import (
	"database/sql"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferlab/boed/pkg/config"
	"github.com/inferlab/boed/pkg/tensor"
)

func reducedConfig() *config.Config {
	cfg := config.Default()
	cfg.Experiment.Steps = 2
	cfg.Experiment.NumParallel = 2
	cfg.Experiment.N = 6
	cfg.Experiment.Seed = 11
	cfg.Gradient.Steps = 3
	cfg.Gradient.NumSamples = 5
	cfg.Gradient.ContrastSamples = 5
	cfg.Gradient.FinalNumSamples = 20
	cfg.ELBO.Steps = 300
	cfg.ELBO.NumSamples = 10
	return cfg
}

func TestRunStrategyIteratedRounds(t *testing.T) {
	cfg := reducedConfig()
	path := filepath.Join(t.TempDir(), "results.db")

	rec, err := newRecorder(path)
	require.NoError(t, err)
	require.NoError(t, runStrategy(cfg, "pce-grad", rec, uint64(cfg.Experiment.Seed)))
	require.NoError(t, rec.close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var runs, rounds int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&runs))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM rounds`).Scan(&rounds))
	assert.Equal(t, 1, runs)
	assert.Equal(t, cfg.Experiment.Steps, rounds)

	var wLocJSON string
	require.NoError(t, db.QueryRow(
		`SELECT w_loc FROM rounds WHERE step = ?`, cfg.Experiment.Steps-1).Scan(&wLocJSON))
	var wLoc []float64
	require.NoError(t, json.Unmarshal([]byte(wLocJSON), &wLoc))
	require.Len(t, wLoc, cfg.Experiment.P)

	// the fitted mean starts at the prior's zero vector; after two rounds
	// of data it must have moved toward the generating weights
	priorDist, fittedDist := 0.0, 0.0
	for i, w := range cfg.Experiment.TrueWeights {
		priorDist += w * w
		d := wLoc[i] - w
		fittedDist += d * d
		require.False(t, math.IsNaN(wLoc[i]) || math.IsInf(wLoc[i], 0))
	}
	assert.Less(t, math.Sqrt(fittedDist), math.Sqrt(priorDist))
}

func TestRunStrategyUnknownStrategy(t *testing.T) {
	cfg := reducedConfig()
	rec, err := newRecorder(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	defer rec.close()

	require.Error(t, runStrategy(cfg, "grid-search", rec, 1))
}

func TestConcatRowsStacksTrials(t *testing.T) {
	a := tensor.FromSlice([]float64{1, 2, 3, 4}, 1, 2, 2)
	b := tensor.FromSlice([]float64{5, 6}, 1, 1, 2)

	out := concatRows(a, b)
	assert.Equal(t, []int{1, 3, 2}, out.Shape())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, out.Data())
}
