// Package symexec adapts a solver-backed symbolic executor to the driver's
// backend interface. The executor replays every corpus sequence, negates
// uncovered branch conditions, and asks its solver for witnesses; this
// adapter only requests one pass with a per-branch solver timeout and
// normalizes the results. Constraint solving and EVM semantics stay in the
// tool.
package symexec

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"alma.local/hybrid/backend"
	"alma.local/hybrid/corpus"
	"alma.local/hybrid/report"
	"alma.local/hybrid/seq"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("symexec")

// SolvedInputPrefix names the witness files the executor writes for each
// solved branch extension.
const SolvedInputPrefix = "solved_input"

// Adapter drives one symbolic coverage-extension pass per Run call.
type Adapter struct {
	// Binary is the symbolic executor executable.
	Binary string
	// BytecodeFile is the analyzed contract's runtime bytecode.
	BytecodeFile string
	// Contract names the analyzed contract for violation locations.
	Contract string
	// WorkDir is the campaign directory sequences and witnesses go through.
	WorkDir string
}

func (a *Adapter) Name() string { return "symexec" }

// passReport is the executor's JSON summary on stdout.
type passReport struct {
	Coverage        json.RawMessage `json:"coverage"`
	SkippedBranches int             `json:"skippedBranches"`
	Replayed        int             `json:"replayed"`
	Violations      []struct {
		Kind     string `json:"kind"`
		Location string `json:"location"`
		Witness  string `json:"witness"` // file name of the reproducing input
	} `json:"violations"`
}

// Run replays the snapshot symbolically with the budget's per-branch solver
// timeout. Branches whose solve exceeds the timeout are abandoned for this
// round and show up in Stats.SkippedBranches; they stay eligible for later
// rounds. Witness files the executor writes become the round's new inputs.
func (a *Adapter) Run(ctx context.Context, snapshot []*corpus.Entry, budget backend.Budget) (*backend.CampaignResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := backend.WriteSnapshot(a.WorkDir, snapshot); err != nil {
		return nil, err
	}
	before, err := backend.ListInputs(a.WorkDir)
	if err != nil {
		return nil, err
	}

	args := []string{
		"--bytecode", a.BytecodeFile,
		"--corpus-dir", a.WorkDir,
		"--solved-input-prefix", SolvedInputPrefix,
	}
	if budget.SolverTimeout > 0 {
		args = append(args, "--solver-timeout", strconv.FormatInt(budget.SolverTimeout.Milliseconds(), 10))
	}

	log.Debugw("starting symbolic pass", "sequences", len(snapshot), "solverTimeout", budget.SolverTimeout)
	out, err := exec.Command(a.binary(), args...).Output()
	if err != nil {
		return nil, xerrors.Errorf("symbolic pass: %w", err)
	}

	var rep passReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return nil, xerrors.Errorf("symbolic pass report: %w", err)
	}
	points, err := backend.DecodeCoverage(rep.Coverage)
	if err != nil {
		return nil, err
	}

	res := &backend.CampaignResult{
		Points: points,
		Stats: backend.CampaignStats{
			Executions:      rep.Replayed,
			SkippedBranches: rep.SkippedBranches,
		},
	}
	witnesses, err := a.collectWitnesses(before)
	if err != nil {
		return nil, err
	}
	for _, s := range witnesses {
		res.NewInputs = append(res.NewInputs, backend.Input{Sequence: s})
	}
	for _, v := range rep.Violations {
		res.Violations = append(res.Violations, report.Violation{
			Kind:     report.OracleKind(v.Kind),
			Location: a.Contract + ":" + v.Location,
			Input:    a.witnessHash(v.Witness, witnesses),
		})
	}
	if rep.SkippedBranches > 0 {
		log.Infow("solver timeout skipped branches this round", "count", rep.SkippedBranches)
	}
	log.Debugw("symbolic pass done", "witnesses", len(witnesses), "points", len(points))
	return res, nil
}

func (a *Adapter) binary() string {
	if a.Binary == "" {
		return "symexec"
	}
	return a.Binary
}

// collectWitnesses loads the solved-input files this pass produced. Only
// files carrying the witness prefix count; the executor may also rewrite
// scratch state we ignore.
func (a *Adapter) collectWitnesses(before map[string]struct{}) ([]*seq.TransactionSequence, error) {
	newSeqs, err := backend.CollectNewInputs(a.WorkDir, before)
	if err != nil {
		return nil, err
	}
	// CollectNewInputs returns every new sequence file; keep witnesses only.
	names, err := backend.ListInputs(a.WorkDir)
	if err != nil {
		return nil, err
	}
	witnessHashes := make(map[seq.Hash]struct{})
	for name := range names {
		if !strings.HasPrefix(name, SolvedInputPrefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.WorkDir, name))
		if err != nil {
			return nil, err
		}
		s, err := seq.Decode(data)
		if err != nil {
			log.Warnw("unreadable witness file", "file", name, "err", err)
			continue
		}
		witnessHashes[s.Hash()] = struct{}{}
	}
	var out []*seq.TransactionSequence
	for _, s := range newSeqs {
		if _, ok := witnessHashes[s.Hash()]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *Adapter) witnessHash(file string, witnesses []*seq.TransactionSequence) seq.Hash {
	data, err := os.ReadFile(filepath.Join(a.WorkDir, file))
	if err == nil {
		if s, err := seq.Decode(data); err == nil {
			return s.Hash()
		}
	}
	if len(witnesses) == 1 {
		return witnesses[0].Hash()
	}
	return seq.Hash{}
}
