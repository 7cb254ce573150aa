// Package backend defines the narrow interface the iteration driver uses to
// talk to its two exploration backends. The driver depends only on this
// interface, never on a specific tool, so backends can be substituted or
// faked in tests.
package backend

import (
	"context"
	"time"

	"alma.local/hybrid/corpus"
	"alma.local/hybrid/coverage"
	"alma.local/hybrid/report"
	"alma.local/hybrid/seq"
)

// Budget bounds a single backend run. The fuzzing backend honors CallLimit
// and Wall; the symbolic backend honors SolverTimeout per branch. Fields a
// backend does not understand are ignored.
type Budget struct {
	// CallLimit caps the number of transactions a fuzzing campaign executes.
	CallLimit int
	// Wall caps the campaign's wall-clock time.
	Wall time.Duration
	// SolverTimeout bounds constraint-solving effort per branch. A branch
	// whose solve exceeds it is abandoned for the round (soft skip) and
	// retried later if still unresolved.
	SolverTimeout time.Duration
}

// Input is one discovery from a backend run: a sequence plus the coverage
// points observed while executing it. Points may overlap with already-known
// coverage; the driver computes each input's real contribution at merge time.
type Input struct {
	Sequence *seq.TransactionSequence
	Points   []coverage.Point
}

// CampaignStats carries per-run bookkeeping that is not corpus data.
type CampaignStats struct {
	// Executions is how many transactions (fuzz) or replayed sequences
	// (symbolic) the run performed. Zero when the backend does not report
	// a count.
	Executions int
	// SkippedBranches counts branches the symbolic backend abandoned because
	// their solve exceeded the budget's SolverTimeout. Always 0 for fuzzing.
	SkippedBranches int
}

// CampaignResult is everything one backend run hands back to the driver.
// Backends never touch the corpus or the tracker themselves.
type CampaignResult struct {
	NewInputs []Input
	// Points is the full set of coverage points observed during the run,
	// including points reached only by replaying existing corpus entries.
	// Superset of the union of NewInputs' points.
	Points     []coverage.Point
	Violations []report.Violation
	Stats      CampaignStats
}

// Backend runs one bounded exploration pass seeded with the given corpus
// snapshot. Implementations must be idempotent with respect to inputs they
// did not change: re-running an unchanged seed corpus must not regress
// previously reported coverage. Run blocks until the pass completes or the
// backend's own internal budget expires; the driver treats an in-flight call
// as non-preemptible and only observes ctx between rounds.
type Backend interface {
	// Name identifies the backend in logs and records.
	Name() string
	Run(ctx context.Context, snapshot []*corpus.Entry, budget Budget) (*CampaignResult, error)
}
