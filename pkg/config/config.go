// Package config holds the rollout configuration: experiment geometry,
// gradient and ELBO budgets, and output settings, loaded from YAML and
// validated before a run starts.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	boederr "github.com/inferlab/boed/pkg/errors"
)

// Config is the complete configuration of an iterated-design rollout.
type Config struct {
	// Experiment geometry
	Experiment ExperimentConfig `yaml:"experiment" validate:"required"`

	// Design optimization budgets
	Gradient GradientConfig `yaml:"gradient,omitempty"`

	// Posterior-update budgets
	ELBO ELBOConfig `yaml:"elbo,omitempty"`

	// Output settings
	Output OutputConfig `yaml:"output,omitempty"`
}

// ExperimentConfig fixes the rollout geometry and the ground truth the
// simulated experimenter observes under.
type ExperimentConfig struct {
	// Number of sequential experiment rounds
	Steps int `yaml:"steps" validate:"min=1"`

	// Independent design replicates optimized in parallel (batch dim)
	NumParallel int `yaml:"num_parallel" validate:"min=1"`

	// Trials per round (design rows)
	N int `yaml:"n" validate:"min=1"`

	// Feature dimension (design columns)
	P int `yaml:"p" validate:"min=1"`

	// Prior scale for weights and noise
	Scale float64 `yaml:"scale" validate:"gt=0"`

	// True weights the responses are generated with; length must be P
	TrueWeights []float64 `yaml:"true_weights" validate:"required,min=1"`

	// True observation noise scale
	TrueSigma float64 `yaml:"true_sigma" validate:"gt=0"`

	// Estimator strategies to run (each gets a fresh store and seed)
	Strategies []string `yaml:"strategies" validate:"required,min=1,dive,oneof=pce-grad ace-grad posterior-grad"`

	// RNG seed; negative draws a fresh one per strategy
	Seed int64 `yaml:"seed"`
}

// GradientConfig is the per-round design optimization budget.
type GradientConfig struct {
	Steps            int     `yaml:"steps" validate:"min=1"`
	NumSamples       int     `yaml:"num_samples" validate:"min=1"`
	ContrastSamples  int     `yaml:"contrast_samples" validate:"min=1"`
	FinalNumSamples  int     `yaml:"final_num_samples" validate:"min=1"`
	StartLR          float64 `yaml:"start_lr" validate:"gt=0"`
	EndLR            float64 `yaml:"end_lr" validate:"gt=0"`
	DesignInitScale  float64 `yaml:"design_init_scale" validate:"gt=0"`
	DesignInitOffset float64 `yaml:"design_init_offset"`
}

// ELBOConfig is the per-round posterior-update budget.
type ELBOConfig struct {
	Steps      int     `yaml:"steps" validate:"min=1"`
	NumSamples int     `yaml:"num_samples" validate:"min=1"`
	LR         float64 `yaml:"lr" validate:"gt=0"`
}

// OutputConfig controls run bookkeeping.
type OutputConfig struct {
	// SQLite file the result stream is appended to
	ResultsPath string `yaml:"results_path"`

	// Log severity: DEBUG, INFO, WARN, ERROR
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`
}

// Default returns the configuration of the reference regression rollout.
func Default() *Config {
	return &Config{
		Experiment: ExperimentConfig{
			Steps:       20,
			NumParallel: 10,
			N:           2,
			P:           6,
			Scale:       1,
			TrueWeights: []float64{0, 2, 3, 4, 5, 6},
			TrueSigma:   0.5,
			Strategies:  []string{"pce-grad"},
			Seed:        -1,
		},
		Gradient: GradientConfig{
			Steps:           1000,
			NumSamples:      10,
			ContrastSamples: 10,
			FinalNumSamples: 500,
			StartLR:         0.001,
			EndLR:           0.001,
			DesignInitScale: 20,
			// xi ~ Uniform(-10, 10) at every round start
			DesignInitOffset: -10,
		},
		ELBO: ELBOConfig{
			Steps:      1000,
			NumSamples: 10,
			LR:         0.04,
		},
		Output: OutputConfig{
			ResultsPath: "rollout.db",
			LogLevel:    "INFO",
		},
	}
}

// Load reads a YAML config file on top of the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, boederr.Wrap(err, boederr.BadConfig, "reading config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, boederr.Wrap(err, boederr.BadConfig, "parsing config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			msg := ""
			for i, fe := range errs {
				if i > 0 {
					msg += "; "
				}
				msg += fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return boederr.New(boederr.BadConfig, msg)
		}
		return boederr.Wrap(err, boederr.BadConfig, "config validation")
	}
	if len(c.Experiment.TrueWeights) != c.Experiment.P {
		return boederr.WithFields(
			boederr.New(boederr.BadConfig, "true_weights length must equal p"),
			boederr.Fields{"p": c.Experiment.P, "len": len(c.Experiment.TrueWeights)})
	}
	return nil
}
