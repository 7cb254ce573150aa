// Package driver owns the fuzz / symbolic-extend iteration loop: it feeds
// corpus snapshots to the two backends, merges what they find into the
// corpus, the coverage tracker and the vulnerability report, and stops when
// the termination policy says so. It is the single writer of all three.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alma.local/hybrid/backend"
	"alma.local/hybrid/config"
	"alma.local/hybrid/corpus"
	"alma.local/hybrid/coverage"
	"alma.local/hybrid/report"
	"alma.local/hybrid/seq"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("driver")

// BackendUnavailableError ends the run when a backend fails twice in a row
// with the same seed snapshot. It carries the last completed round so
// partial progress is never silently lost.
type BackendUnavailableError struct {
	Backend    string
	LastRecord *IterationRecord
	Err        error
}

func (e *BackendUnavailableError) Error() string {
	if e.LastRecord == nil {
		return fmt.Sprintf("backend %s unavailable before the first round completed: %v", e.Backend, e.Err)
	}
	return fmt.Sprintf("backend %s unavailable after round %d (coverage %d, corpus %d): %v",
		e.Backend, e.LastRecord.Iteration, e.LastRecord.CoverageAfter, e.LastRecord.CorpusAfter, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

// RunResult is the outcome of a completed (non-failed) run.
type RunResult struct {
	Final      State
	Records    []IterationRecord
	Violations []report.Violation
	Coverage   int
	CorpusSize int
}

// Driver executes runs. One driver owns its corpus store, coverage tracker
// and violation report for the run's lifetime; nothing else writes them.
type Driver struct {
	cfg     config.Config
	fuzz    backend.Backend
	sym     backend.Backend
	store   *corpus.Store
	tracker *coverage.Tracker
	vulns   *report.VulnerabilityReport
	policy  TerminationPolicy
	journal *journal
	history []IterationRecord
	state   State
}

// New wires a driver over the given backends and corpus store. When the
// configured corpus directory holds a previous run's journal, the iteration
// history and coverage set are restored so the run resumes rather than
// restarts.
func New(cfg config.Config, fuzz, sym backend.Backend, store *corpus.Store) (*Driver, error) {
	d := &Driver{
		cfg:     cfg,
		fuzz:    fuzz,
		sym:     sym,
		store:   store,
		tracker: coverage.NewTracker(),
		vulns:   report.NewVulnerabilityReport(),
	}
	j, err := openJournal(cfg.CorpusDir)
	if err != nil {
		return nil, err
	}
	d.journal = j
	if d.history, err = j.loadHistory(); err != nil {
		return nil, err
	}
	points, err := j.loadCoverage()
	if err != nil {
		return nil, err
	}
	d.tracker.Merge(points)
	if len(d.history) > 0 {
		log.Infow("resuming from journal", "rounds", len(d.history), "coverage", d.tracker.Total())
	}
	return d, nil
}

// Seed merges initial sequences into an empty corpus as iteration-0 seed
// entries. Sequences already present (from a resumed corpus) are dropped by
// the store's dedup, so seeding is idempotent.
func (d *Driver) Seed(seeds []*seq.TransactionSequence) error {
	cands := make([]corpus.Candidate, len(seeds))
	for i, s := range seeds {
		cands[i] = corpus.Candidate{Sequence: s}
	}
	accepted, err := d.store.Merge(cands, corpus.ProvenanceSeed, 0)
	if err != nil {
		return err
	}
	log.Infow("seeded corpus", "offered", len(seeds), "accepted", len(accepted), "size", d.store.Len())
	return nil
}

// State returns the driver's current lifecycle state.
func (d *Driver) State() State {
	return d.state
}

// History returns the iteration records so far, oldest first.
func (d *Driver) History() []IterationRecord {
	out := make([]IterationRecord, len(d.history))
	copy(out, d.history)
	return out
}

// Run executes rounds until the termination policy stops the run, the
// context is cancelled, or a fatal error occurs. A fatal error (backend
// unavailable, persistence failure) is returned with a nil result; the four
// normal endings return a result and no error.
func (d *Driver) Run(ctx context.Context) (*RunResult, error) {
	if d.state != StateIdle {
		return nil, xerrors.New("driver: a run is already in progress")
	}
	d.state = StateRunning
	defer func() { d.state = StateIdle }()

	if d.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TimeBudget.Std())
		defer cancel()
	}

	final := StateRunning
	for final == StateRunning {
		state, err := d.round(ctx)
		if err != nil {
			return nil, err
		}
		final = state
	}

	res := &RunResult{
		Final:      final,
		Records:    d.History(),
		Violations: d.vulns.Violations(),
		Coverage:   d.tracker.Total(),
		CorpusSize: d.store.Len(),
	}
	d.emitReport(res)
	return res, nil
}

// round executes one full iteration. It returns StateRunning to continue,
// a terminal state to stop, or an error for the fatal failure path.
func (d *Driver) round(ctx context.Context) (State, error) {
	iter := len(d.history) + 1
	start := time.Now()
	rec := IterationRecord{
		Iteration:      iter,
		CorpusBefore:   d.store.Len(),
		CoverageBefore: d.tracker.Total(),
	}
	log.Infow("round start", "iteration", iter, "corpus", rec.CorpusBefore, "coverage", rec.CoverageBefore)

	fuzzBudget := backend.Budget{CallLimit: d.cfg.CallLimit}
	symBudget := backend.Budget{SolverTimeout: d.cfg.SolverTimeout.Std()}

	if d.cfg.RelaxedConcurrency {
		// Relaxed mode: both backends explore the same pre-round snapshot
		// concurrently; the symbolic pass does not see this round's fuzz
		// findings. Results still land in one merge step.
		snapshot := d.store.Snapshot()
		fuzzRes, symRes, err := d.runConcurrent(ctx, snapshot, fuzzBudget, symBudget)
		if err != nil {
			return 0, err
		}
		if ctx.Err() != nil {
			// Cancelled while the backends ran: nothing from this round has
			// been committed, drop both results.
			return StateCancelled, nil
		}
		fd, err := d.merge(fuzzRes, corpus.ProvenanceFuzzer, iter)
		if err != nil {
			return 0, err
		}
		sd, err := d.merge(symRes, corpus.ProvenanceSymbolic, iter)
		if err != nil {
			return 0, err
		}
		rec.FuzzInputs, rec.FuzzPoints = fd.inputs, fd.points
		rec.SymInputs, rec.SymPoints = sd.inputs, sd.points
		rec.SkippedBranch = symRes.Stats.SkippedBranches
		rec.NewViolations = fd.violations + sd.violations
	} else {
		fuzzRes, err := d.invoke(ctx, d.fuzz, d.store.Snapshot(), fuzzBudget)
		if err != nil {
			return 0, err
		}
		// Cancellation is observed here, between the fuzz call and the
		// symbolic dispatch, and at the round boundary below - never
		// mid-adapter-call. Dropping the fuzz result keeps the round
		// all-or-nothing.
		if ctx.Err() != nil {
			return StateCancelled, nil
		}
		fd, err := d.merge(fuzzRes, corpus.ProvenanceFuzzer, iter)
		if err != nil {
			return 0, err
		}
		// The symbolic pass runs on the updated snapshot so it can extend
		// the branches this round's fuzzing just reached.
		symRes, err := d.invoke(ctx, d.sym, d.store.Snapshot(), symBudget)
		if err != nil {
			return 0, err
		}
		sd, err := d.merge(symRes, corpus.ProvenanceSymbolic, iter)
		if err != nil {
			return 0, err
		}
		rec.FuzzInputs, rec.FuzzPoints = fd.inputs, fd.points
		rec.SymInputs, rec.SymPoints = sd.inputs, sd.points
		rec.SkippedBranch = symRes.Stats.SkippedBranches
		rec.NewViolations = fd.violations + sd.violations
	}

	rec.CorpusAfter = d.store.Len()
	rec.CoverageAfter = d.tracker.Total()
	rec.Duration = time.Since(start)
	d.history = append(d.history, rec)

	d.store.Evict(d.vulns.Reproducers())
	if err := d.checkpoint(); err != nil {
		return 0, err
	}

	log.Infow("round done", "iteration", iter,
		"newInputs", rec.FuzzInputs+rec.SymInputs, "newCoverage", rec.NewCoverage(),
		"skippedBranches", rec.SkippedBranch, "violations", rec.NewViolations,
		"took", rec.Duration)

	if dec := d.policy.Decide(d.history, d.cfg); dec.Stop {
		return dec.Reason, nil
	}
	if ctx.Err() != nil {
		return StateCancelled, nil
	}
	return StateRunning, nil
}

// invoke runs one backend pass, retrying a failed invocation once with the
// same seed snapshot. A second consecutive failure escalates.
func (d *Driver) invoke(ctx context.Context, b backend.Backend, snapshot []*corpus.Entry, budget backend.Budget) (*backend.CampaignResult, error) {
	res, err := b.Run(ctx, snapshot, budget)
	if err == nil {
		return res, nil
	}
	log.Warnw("backend run failed, retrying with the same seed", "backend", b.Name(), "err", err)
	res, err = b.Run(ctx, snapshot, budget)
	if err == nil {
		return res, nil
	}
	return nil, &BackendUnavailableError{Backend: b.Name(), LastRecord: d.lastRecord(), Err: err}
}

func (d *Driver) runConcurrent(ctx context.Context, snapshot []*corpus.Entry, fuzzBudget, symBudget backend.Budget) (*backend.CampaignResult, *backend.CampaignResult, error) {
	var (
		wg              sync.WaitGroup
		fuzzRes, symRes *backend.CampaignResult
		fuzzErr, symErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		fuzzRes, fuzzErr = d.invoke(ctx, d.fuzz, snapshot, fuzzBudget)
	}()
	go func() {
		defer wg.Done()
		symRes, symErr = d.invoke(ctx, d.sym, snapshot, symBudget)
	}()
	wg.Wait()
	if fuzzErr != nil {
		return nil, nil, fuzzErr
	}
	if symErr != nil {
		return nil, nil, symErr
	}
	return fuzzRes, symRes, nil
}

type mergeDelta struct {
	inputs     int
	points     int
	violations int
}

// merge commits one backend result: new inputs into the corpus store with
// their incremental coverage contribution, all observed points into the
// tracker, violations into the report.
func (d *Driver) merge(res *backend.CampaignResult, prov corpus.Provenance, iter int) (mergeDelta, error) {
	var delta mergeDelta

	cands := make([]corpus.Candidate, 0, len(res.NewInputs))
	for _, in := range res.NewInputs {
		// An input's contribution is what it reached first: diff against the
		// tracker before merging its points, so credit is assigned in
		// result order.
		contributed := d.tracker.Diff(in.Points)
		delta.points += d.tracker.Merge(in.Points)
		cands = append(cands, corpus.Candidate{Sequence: in.Sequence, Contributed: contributed})
	}
	delta.points += d.tracker.Merge(res.Points)

	accepted, err := d.store.Merge(cands, prov, iter)
	if err != nil {
		return delta, err
	}
	delta.inputs = len(accepted)

	if len(res.Violations) > 0 {
		vs := make([]report.Violation, len(res.Violations))
		for i, v := range res.Violations {
			v.Iteration = iter
			vs[i] = v
		}
		delta.violations = d.vulns.Record(vs)
	}
	return delta, nil
}

func (d *Driver) checkpoint() error {
	if err := d.journal.saveHistory(d.history); err != nil {
		return err
	}
	return d.journal.saveCoverage(d.tracker.Points())
}

func (d *Driver) lastRecord() *IterationRecord {
	if len(d.history) == 0 {
		return nil
	}
	rec := d.history[len(d.history)-1]
	return &rec
}

func (d *Driver) emitReport(res *RunResult) {
	log.Infow("run finished", "state", res.Final.String(), "rounds", len(res.Records),
		"corpus", res.CorpusSize, "coverage", res.Coverage, "violations", len(res.Violations))
	for _, line := range d.vulns.KindSummary() {
		log.Infof("violations: %s", line)
	}
	for _, v := range res.Violations {
		log.Infow("violation", "kind", v.Kind, "location", v.Location, "input", v.Input.Hex(), "round", v.Iteration)
	}
	for _, c := range d.tracker.PerContract() {
		log.Infow("coverage", "contract", c.Contract.Hex(), "points", c.Points)
	}
}
