package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"alma.local/hybrid/artifact"
	"alma.local/hybrid/backend/echidna"
	"alma.local/hybrid/backend/symexec"
	"alma.local/hybrid/config"
	"alma.local/hybrid/corpus"
	"alma.local/hybrid/driver"
	"alma.local/hybrid/seq"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("hybrid")

// Exit codes. A finished run without a violation exits 0; everything else
// is distinguishable for CI and scripting.
const (
	exitOK          = 0
	exitViolation   = 2
	exitFailure     = 3
	exitInterrupted = 130
)

func main() {
	app := &cli.App{
		Name:  "hybrid",
		Usage: "hybrid fuzzing / symbolic execution vulnerability finder for smart contracts",
		Commands: []*cli.Command{
			runCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(exitFailure)
	}
}

var runCmd = &cli.Command{
	Name:      "run",
	Usage:     "alternate fuzzing and symbolic execution over a contract until coverage converges",
	ArgsUsage: "<contract-artifact>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "contract", Usage: "contract to analyze within the artifact"},
		&cli.StringFlag{Name: "corpus-dir", Usage: "directory for corpus entries and run journal", Required: true},
		&cli.StringFlag{Name: "test-mode", Usage: "oracle to check: assertion, property or reentrancy", Value: string(config.TestAssertion)},
		&cli.IntFlag{Name: "max-iters", Usage: "maximum number of rounds (0 = unbounded)", Value: config.Default().MaxIters},
		&cli.DurationFlag{Name: "solver-timeout", Usage: "per-branch solver timeout for the symbolic pass", Value: config.Default().SolverTimeout.Std()},
		&cli.IntFlag{Name: "call-limit", Usage: "transactions per fuzzing campaign", Value: config.Default().CallLimit},
		&cli.DurationFlag{Name: "time-budget", Usage: "overall wall-clock budget (0 = unbounded)"},
		&cli.BoolFlag{Name: "stop-on-violation", Usage: "halt at the end of the first round that finds a violation"},
		&cli.BoolFlag{Name: "relaxed", Usage: "run both backends concurrently on the pre-round snapshot"},
		&cli.IntFlag{Name: "max-corpus", Usage: "corpus size cap (0 = no eviction)"},
		&cli.IntFlag{Name: "seed-steps", Usage: "dataflow expansion steps when seeding an empty corpus", Value: config.Default().SeedSteps},
		&cli.StringFlag{Name: "config", Usage: "YAML config file; flags override its values"},
		&cli.BoolFlag{Name: "allow-degraded-corpus", Usage: "continue in memory if the corpus directory is unusable"},
		&cli.StringFlag{Name: "init", Usage: "chain state initialization file passed to the fuzzer"},
		&cli.StringFlag{Name: "fuzzer-bin", Usage: "fuzzing backend executable", Value: "echidna"},
		&cli.StringFlag{Name: "symexec-bin", Usage: "symbolic execution backend executable", Value: "symexec"},
	},
	Action: runAction,
}

func runAction(cctx *cli.Context) error {
	cfg, err := buildConfig(cctx)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	art, err := artifact.Load(cfg.ArtifactPath, cfg.Contract)
	if err != nil {
		// Compilation problems abort before any round starts.
		return cli.Exit(err.Error(), exitFailure)
	}

	store, err := corpus.Open(corpus.Options{
		Dir:           cfg.CorpusDir,
		MaxEntries:    cfg.MaxCorpus,
		AllowDegraded: cfg.AllowDegradedCorpus,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	bytecodeFile, err := writeBytecode(cfg.CorpusDir, art)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	// Both backends exchange sequences through one campaign directory, kept
	// apart from the store's own entry files.
	campaignDir := filepath.Join(cfg.CorpusDir, "campaign")
	fuzz := &echidna.Adapter{
		Binary:   cctx.String("fuzzer-bin"),
		Target:   cfg.ArtifactPath,
		Contract: art.ContractName,
		TestMode: cfg.TestMode,
		WorkDir:  campaignDir,
		InitFile: cfg.InitFile,
	}
	sym := &symexec.Adapter{
		Binary:       cctx.String("symexec-bin"),
		BytecodeFile: bytecodeFile,
		Contract:     art.ContractName,
		WorkDir:      campaignDir,
	}

	d, err := driver.New(cfg, fuzz, sym, store)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	if store.Len() == 0 {
		if err := d.Seed(generateSeeds(art, cfg.SeedSteps)); err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	res, err := d.Run(ctx)
	if err != nil {
		var unavailable *driver.BackendUnavailableError
		if errors.As(err, &unavailable) && unavailable.LastRecord != nil {
			log.Errorw("run failed with progress preserved",
				"lastRound", unavailable.LastRecord.Iteration,
				"coverage", unavailable.LastRecord.CoverageAfter)
		}
		return cli.Exit(err.Error(), exitFailure)
	}

	fmt.Printf("run %s after %d rounds in %s: corpus %d, coverage %d, violations %d\n",
		res.Final, len(res.Records), time.Since(started).Truncate(time.Second),
		res.CorpusSize, res.Coverage, len(res.Violations))
	for _, v := range res.Violations {
		fmt.Printf("  %s\n", v)
	}

	switch {
	case res.Final == driver.StateCancelled:
		return cli.Exit("interrupted", exitInterrupted)
	case len(res.Violations) > 0:
		// Violations are reported even when the run stopped for another
		// reason (converged or exhausted with stop-on-violation off).
		return cli.Exit("", exitViolation)
	default:
		return nil
	}
}

func buildConfig(cctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := cctx.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadFile(path, cfg); err != nil {
			return cfg, err
		}
	}

	if cctx.Args().Len() > 0 {
		cfg.ArtifactPath = cctx.Args().First()
	}
	if cctx.IsSet("contract") {
		cfg.Contract = cctx.String("contract")
	}
	cfg.CorpusDir = cctx.String("corpus-dir")
	if cctx.IsSet("test-mode") || cfg.TestMode == "" {
		cfg.TestMode = config.TestMode(cctx.String("test-mode"))
	}
	if cctx.IsSet("max-iters") {
		cfg.MaxIters = cctx.Int("max-iters")
	}
	if cctx.IsSet("solver-timeout") {
		cfg.SolverTimeout = config.Duration(cctx.Duration("solver-timeout"))
	}
	if cctx.IsSet("call-limit") {
		cfg.CallLimit = cctx.Int("call-limit")
	}
	if cctx.IsSet("time-budget") {
		cfg.TimeBudget = config.Duration(cctx.Duration("time-budget"))
	}
	if cctx.IsSet("stop-on-violation") {
		cfg.StopOnViolation = cctx.Bool("stop-on-violation")
	}
	if cctx.IsSet("relaxed") {
		cfg.RelaxedConcurrency = cctx.Bool("relaxed")
	}
	if cctx.IsSet("max-corpus") {
		cfg.MaxCorpus = cctx.Int("max-corpus")
	}
	if cctx.IsSet("seed-steps") {
		cfg.SeedSteps = cctx.Int("seed-steps")
	}
	if cctx.IsSet("allow-degraded-corpus") {
		cfg.AllowDegradedCorpus = cctx.Bool("allow-degraded-corpus")
	}
	if cctx.IsSet("init") {
		cfg.InitFile = cctx.String("init")
	}
	return cfg, cfg.Validate()
}

// writeBytecode extracts the analyzed contract's bytecode for the symbolic
// backend, which consumes raw bytecode rather than the combined artifact.
func writeBytecode(dir string, art *artifact.Artifact) (string, error) {
	path := filepath.Join(dir, art.ContractName+".bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, art.Bytecode, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// generateSeeds builds the initial corpus from the analyzer's function
// relations: all 1-call sequences over mutating functions, plus the
// sequences of each dataflow expansion step.
func generateSeeds(art *artifact.Artifact, steps int) []*seq.TransactionSequence {
	g := artifact.NewSeedGenerator(art)
	seeds := g.Sequences()
	for i := 0; i < steps; i++ {
		g.Step(1)
		seeds = append(seeds, g.Sequences()...)
	}
	return seeds
}
