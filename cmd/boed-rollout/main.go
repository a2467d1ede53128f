// Command boed-rollout runs an iterated experimental-design loop on the
// sparse regression model: each round optimizes a design by a gradient EIG
// estimator, observes simulated responses under the ground truth, and
// updates the posterior by stochastic variational inference. Results stream
// to a SQLite database.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/inferlab/boed/pkg/config"
	"github.com/inferlab/boed/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "YAML config path; built-in defaults apply when empty")
	resultsPath := flag.String("results", "", "override the results database path")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}
	if *resultsPath != "" {
		cfg.Output.ResultsPath = *resultsPath
	}

	logging.SetLogger(logging.NewLogger(logging.Config{
		Severity: logging.ParseSeverity(cfg.Output.LogLevel),
		Outputs:  []logging.Output{logging.NewConsoleOutput(true)},
	}))

	rec, err := newRecorder(cfg.Output.ResultsPath)
	if err != nil {
		fail(err)
	}

	// The autodiff tape is process-global, so strategies run one at a
	// time; result persistence overlaps with compute via the recorder's
	// worker.
	for i, strategy := range cfg.Experiment.Strategies {
		seed := uint64(time.Now().UnixNano()) + uint64(i)
		if cfg.Experiment.Seed >= 0 {
			seed = uint64(cfg.Experiment.Seed) + uint64(i)
		}
		if err := runStrategy(cfg, strategy, rec, seed); err != nil {
			rec.close()
			fail(err)
		}
	}
	if err := rec.close(); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
