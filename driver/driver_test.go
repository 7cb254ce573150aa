package driver

import (
	"context"
	"testing"

	"alma.local/hybrid/backend"
	"alma.local/hybrid/config"
	"alma.local/hybrid/corpus"
	"alma.local/hybrid/coverage"
	"alma.local/hybrid/report"
	"alma.local/hybrid/seq"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var testContract = common.HexToAddress("0x00a329c0648769A73afAc7F9381E08FB43dBEA72")

func testSeq(fn string) *seq.TransactionSequence {
	return seq.New([]seq.CallRecord{{
		Function: fn,
		Sender:   common.HexToAddress("0x10000"),
		Target:   testContract,
	}})
}

func pts(pcs ...uint64) []coverage.Point {
	out := make([]coverage.Point, len(pcs))
	for i, pc := range pcs {
		out[i] = coverage.Point{Contract: testContract, PC: pc}
	}
	return out
}

func input(fn string, pcs ...uint64) backend.Input {
	return backend.Input{Sequence: testSeq(fn), Points: pts(pcs...)}
}

// fakeBackend replays a scripted result per round and returns empty results
// once the script runs out. failures counts down invocation errors injected
// before any scripted result is served.
type fakeBackend struct {
	name      string
	script    []*backend.CampaignResult
	failures  int
	calls     int
	snapshots [][]*corpus.Entry
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Run(_ context.Context, snapshot []*corpus.Entry, _ backend.Budget) (*backend.CampaignResult, error) {
	f.calls++
	f.snapshots = append(f.snapshots, snapshot)
	if f.failures > 0 {
		f.failures--
		return nil, xerrors.New("backend crashed")
	}
	if len(f.script) == 0 {
		return &backend.CampaignResult{}, nil
	}
	res := f.script[0]
	f.script = f.script[1:]
	return res, nil
}

func newTestDriver(t *testing.T, cfg config.Config, fuzz, sym backend.Backend) *Driver {
	t.Helper()
	store, err := corpus.Open(corpus.Options{Dir: cfg.CorpusDir})
	require.NoError(t, err)
	d, err := New(cfg, fuzz, sym, store)
	require.NoError(t, err)
	return d
}

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.ArtifactPath = "unused.json"
	cfg.MaxIters = 10
	return cfg
}

func TestFirstRoundScenario(t *testing.T) {
	// Empty corpus; fuzzing finds 3 inputs covering {A,B,C}; the symbolic
	// pass, seeded with the updated corpus, finds 1 input covering {D}.
	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{{
		NewInputs: []backend.Input{input("a", 1), input("b", 2), input("c", 3)},
	}}}
	sym := &fakeBackend{name: "sym", script: []*backend.CampaignResult{{
		NewInputs: []backend.Input{input("d", 4)},
	}}}

	d := newTestDriver(t, baseConfig(), fuzz, sym)
	res, err := d.Run(context.Background())
	require.NoError(t, err)

	first := res.Records[0]
	require.Equal(t, 0, first.CorpusBefore)
	require.Equal(t, 4, first.CorpusAfter)
	require.Equal(t, 0, first.CoverageBefore)
	require.Equal(t, 4, first.CoverageAfter)
	require.Equal(t, 0, first.NewViolations)
	// The round grew coverage, so the run continued past it.
	require.Greater(t, len(res.Records), 1)

	// The symbolic backend's round-1 snapshot already held the fuzz findings.
	require.Len(t, sym.snapshots[0], 3)
}

func TestConvergesExactlyWhenCoverageStops(t *testing.T) {
	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("a", 1)}},
		{NewInputs: []backend.Input{input("b", 2)}},
		// Round 3 onwards: nothing new.
	}}
	sym := &fakeBackend{name: "sym"}

	d := newTestDriver(t, baseConfig(), fuzz, sym)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateConverged, res.Final)
	// Growth in rounds 1 and 2, fixed point detected in round 3 - not later.
	require.Len(t, res.Records, 3)
	require.Equal(t, StateIdle, d.State())
}

func TestMaxItersBoundsRounds(t *testing.T) {
	// Endless fresh coverage; only the budget can stop the run.
	script := make([]*backend.CampaignResult, 20)
	for i := range script {
		script[i] = &backend.CampaignResult{NewInputs: []backend.Input{input(string(rune('a'+i)), uint64(100+i))}}
	}
	fuzz := &fakeBackend{name: "fuzz", script: script}
	sym := &fakeBackend{name: "sym"}

	cfg := baseConfig()
	cfg.MaxIters = 3
	d := newTestDriver(t, cfg, fuzz, sym)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateExhausted, res.Final)
	require.Len(t, res.Records, 3)
}

func TestSingleIterBudget(t *testing.T) {
	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("a", 1)}},
	}}
	sym := &fakeBackend{name: "sym", script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("b", 2)}},
	}}

	cfg := baseConfig()
	cfg.MaxIters = 1
	d := newTestDriver(t, cfg, fuzz, sym)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateExhausted, res.Final)
	require.Len(t, res.Records, 1)
	require.Equal(t, 1, fuzz.calls)
	require.Equal(t, 1, sym.calls)
}

func TestViolationTakesPrecedenceOverExhaustion(t *testing.T) {
	// The final budgeted round both exhausts the budget and finds a
	// violation; the violation is the reported reason.
	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{{
		NewInputs: []backend.Input{input("boom", 1)},
		Violations: []report.Violation{{
			Kind:     report.OracleAssertion,
			Location: "Token:boom",
			Input:    testSeq("boom").Hash(),
		}},
	}}}
	sym := &fakeBackend{name: "sym"}

	cfg := baseConfig()
	cfg.MaxIters = 1
	cfg.StopOnViolation = true
	d := newTestDriver(t, cfg, fuzz, sym)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateViolationFound, res.Final)
	require.Len(t, res.Violations, 1)
	require.Equal(t, 1, res.Violations[0].Iteration)
}

func TestRoundCompletesDespiteFuzzViolation(t *testing.T) {
	// Stop-on-violation still lets the symbolic pass of the same round run:
	// the decision is taken at the round boundary only.
	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{{
		NewInputs: []backend.Input{input("boom", 1)},
		Violations: []report.Violation{{
			Kind:     report.OracleAssertion,
			Location: "Token:boom",
			Input:    testSeq("boom").Hash(),
		}},
	}}}
	sym := &fakeBackend{name: "sym", script: []*backend.CampaignResult{{
		NewInputs: []backend.Input{input("ext", 2)},
	}}}

	cfg := baseConfig()
	cfg.StopOnViolation = true
	d := newTestDriver(t, cfg, fuzz, sym)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateViolationFound, res.Final)
	require.Equal(t, 1, sym.calls, "symbolic pass should have run to completion")
	require.Equal(t, 2, res.CorpusSize)
}

func TestBackendRetryOnce(t *testing.T) {
	fuzz := &fakeBackend{name: "fuzz", failures: 1, script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("a", 1)}},
	}}
	sym := &fakeBackend{name: "sym"}

	d := newTestDriver(t, baseConfig(), fuzz, sym)
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateConverged, res.Final)
	require.GreaterOrEqual(t, fuzz.calls, 2)
}

func TestBackendUnavailableAfterSecondFailure(t *testing.T) {
	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("a", 1)}},
	}}
	// The symbolic backend fails twice in a row in round 1.
	sym := &fakeBackend{name: "sym", failures: 2}

	d := newTestDriver(t, baseConfig(), fuzz, sym)
	_, err := d.Run(context.Background())
	require.Error(t, err)
	var bu *BackendUnavailableError
	require.ErrorAs(t, err, &bu)
	require.Equal(t, "sym", bu.Backend)
	require.Nil(t, bu.LastRecord, "no round had completed yet")
	require.Equal(t, StateIdle, d.State())
}

// cancellingBackend cancels the run while its own invocation is in flight,
// simulating a user interrupt arriving mid-campaign.
type cancellingBackend struct {
	fakeBackend
	cancel context.CancelFunc
}

func (c *cancellingBackend) Run(ctx context.Context, snapshot []*corpus.Entry, budget backend.Budget) (*backend.CampaignResult, error) {
	c.cancel()
	return c.fakeBackend.Run(ctx, snapshot, budget)
}

func TestCancellationDropsUncommittedRound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fuzz := &cancellingBackend{
		fakeBackend: fakeBackend{name: "fuzz", script: []*backend.CampaignResult{
			{NewInputs: []backend.Input{input("a", 1)}},
		}},
		cancel: cancel,
	}
	sym := &fakeBackend{name: "sym"}

	d := newTestDriver(t, baseConfig(), fuzz, sym)
	res, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, res.Final)
	// The interrupted round committed nothing and the symbolic step never
	// ran: adapters are non-preemptible, rounds are all-or-nothing.
	require.Equal(t, 0, res.CorpusSize)
	require.Empty(t, res.Records)
	require.Equal(t, 0, sym.calls)
}

func TestRelaxedModeUsesPreRoundSnapshot(t *testing.T) {
	seedInput := testSeq("seed")
	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("a", 1)}},
	}}
	sym := &fakeBackend{name: "sym", script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("b", 2)}},
	}}

	cfg := baseConfig()
	cfg.RelaxedConcurrency = true
	d := newTestDriver(t, cfg, fuzz, sym)
	require.NoError(t, d.Seed([]*seq.TransactionSequence{seedInput}))
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateConverged, res.Final)

	// Both backends saw the same pre-round snapshot in round 1: just the
	// seed, not each other's findings.
	require.Len(t, fuzz.snapshots[0], 1)
	require.Len(t, sym.snapshots[0], 1)
	require.Equal(t, 3, res.CorpusSize)
}

func TestResumabilityFromJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig()
	cfg.CorpusDir = dir
	cfg.MaxIters = 2

	fuzz := &fakeBackend{name: "fuzz", script: []*backend.CampaignResult{
		{NewInputs: []backend.Input{input("a", 1, 2)}},
		{NewInputs: []backend.Input{input("b", 3)}},
	}}
	d := newTestDriver(t, cfg, fuzz, &fakeBackend{name: "sym"})
	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateExhausted, res.Final)
	recorded := res.Records[len(res.Records)-1]

	// "Kill" the process: build a fresh driver over the same directory.
	cfg.MaxIters = 3
	store, err := corpus.Open(corpus.Options{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())
	d2, err := New(cfg, &fakeBackend{name: "fuzz"}, &fakeBackend{name: "sym"}, store)
	require.NoError(t, err)

	require.Len(t, d2.History(), 2, "iteration history should resume")
	res2, err := d2.Run(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, res2.Coverage, recorded.CoverageAfter,
		"restart must not lose recorded coverage")
	// The resumed run continued the round numbering.
	require.Equal(t, 3, res2.Records[len(res2.Records)-1].Iteration)
}

func TestRunRejectsReentrantUse(t *testing.T) {
	d := newTestDriver(t, baseConfig(), &fakeBackend{name: "fuzz"}, &fakeBackend{name: "sym"})
	d.state = StateRunning
	_, err := d.Run(context.Background())
	require.Error(t, err)
}
