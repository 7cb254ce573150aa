// Package config holds the run configuration. Values come from an optional
// YAML file with CLI flags layered on top; the driver only ever sees the
// merged, validated result.
package config

import (
	"os"
	"time"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return xerrors.Errorf("bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TestMode selects which oracle the fuzzing backend checks.
type TestMode string

const (
	TestAssertion  TestMode = "assertion"
	TestProperty   TestMode = "property"
	TestReentrancy TestMode = "reentrancy"
)

// Config is the full run configuration.
type Config struct {
	// ArtifactPath is the compiled contract artifact (combined solc JSON).
	ArtifactPath string `yaml:"artifact"`
	// Contract selects a contract within the artifact; empty is allowed when
	// the artifact holds exactly one.
	Contract string `yaml:"contract"`
	// CorpusDir is where accepted entries and the iteration log persist.
	CorpusDir string `yaml:"corpus_dir"`
	// TestMode selects the oracle.
	TestMode TestMode `yaml:"test_mode"`

	// MaxIters bounds the number of rounds; <= 0 means unbounded.
	MaxIters int `yaml:"max_iters"`
	// SolverTimeout bounds constraint solving per branch in the symbolic
	// pass.
	SolverTimeout Duration `yaml:"solver_timeout"`
	// CallLimit bounds each fuzzing campaign's transaction count.
	CallLimit int `yaml:"call_limit"`
	// TimeBudget bounds the whole run's wall clock; 0 disables it.
	TimeBudget Duration `yaml:"time_budget"`

	// StopOnViolation halts the run at the end of the first round that
	// records a violation.
	StopOnViolation bool `yaml:"stop_on_violation"`
	// RelaxedConcurrency runs both backends on the same pre-round snapshot
	// in parallel, trading coverage-per-round for wall-clock speed.
	RelaxedConcurrency bool `yaml:"relaxed_concurrency"`
	// SeedSteps is how many dataflow expansion steps the seed generator
	// performs over the 1-call base sequences.
	SeedSteps int `yaml:"seed_steps"`

	// MaxCorpus caps the corpus size; 0 disables eviction.
	MaxCorpus int `yaml:"max_corpus"`
	// AllowDegradedCorpus turns persistence failures into warnings.
	AllowDegradedCorpus bool `yaml:"allow_degraded_corpus"`

	// InitFile is passed through to the fuzzing backend to set up chain
	// state before the campaign (the backend's own "initialize" mechanism).
	InitFile string `yaml:"initialize"`
}

// Default returns the configuration the CLI starts from.
func Default() Config {
	return Config{
		TestMode:      TestAssertion,
		MaxIters:      50,
		SolverTimeout: Duration(5 * time.Second),
		CallLimit:     50000,
		SeedSteps:     1,
	}
}

// LoadFile reads a YAML config file over the given base config.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, xerrors.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, xerrors.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the driver cannot run with.
func (c *Config) Validate() error {
	if c.ArtifactPath == "" {
		return xerrors.New("config: artifact path is required")
	}
	if c.CorpusDir == "" {
		return xerrors.New("config: corpus dir is required")
	}
	switch c.TestMode {
	case TestAssertion, TestProperty, TestReentrancy:
	default:
		return xerrors.Errorf("config: unknown test mode %q", c.TestMode)
	}
	if c.SolverTimeout < 0 {
		return xerrors.New("config: solver timeout must be >= 0")
	}
	if c.SeedSteps < 0 {
		return xerrors.New("config: seed steps must be >= 0")
	}
	return nil
}
