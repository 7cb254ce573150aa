// Package echidna adapts an Echidna-compatible fuzzing tool to the driver's
// backend interface. The adapter only seeds a campaign directory, invokes
// one campaign, and normalizes the tool's JSON report; mutation strategy and
// scheduling stay inside the tool.
package echidna

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"alma.local/hybrid/backend"
	"alma.local/hybrid/config"
	"alma.local/hybrid/corpus"
	"alma.local/hybrid/report"
	"alma.local/hybrid/seq"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("echidna")

// Adapter drives one fuzzing campaign per Run call.
type Adapter struct {
	// Binary is the fuzzer executable; "echidna" on PATH by default.
	Binary string
	// Target is the contract source or artifact argument the tool expects.
	Target string
	// Contract narrows the campaign to one contract in the target.
	Contract string
	// TestMode selects the oracle the tool checks.
	TestMode config.TestMode
	// WorkDir is the campaign directory seeds and findings go through.
	WorkDir string
	// InitFile optionally sets up chain state before the campaign.
	InitFile string
}

func (a *Adapter) Name() string { return "echidna" }

func (a *Adapter) binary() string {
	if a.Binary == "" {
		return "echidna"
	}
	return a.Binary
}

// campaignReport is the slice of the tool's JSON output the adapter reads.
type campaignReport struct {
	Tests []struct {
		Name         string `json:"name"`
		Contract     string `json:"contract"`
		Status       string `json:"status"`
		Transactions []struct {
			Function  string   `json:"function"`
			Arguments []string `json:"arguments"`
		} `json:"transactions"`
	} `json:"tests"`
	Coverage json.RawMessage `json:"coverage"`
}

// Run executes one campaign seeded with the snapshot. The tool's corpus
// directory is diffed around the invocation: files it adds are the round's
// new inputs. The invocation is not killed on ctx cancellation - the driver
// treats a running campaign as non-preemptible - but ctx gates starting one.
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
		a.Target,
		"--test-mode", string(a.TestMode),
		"--corpus-dir", a.WorkDir,
		"--format", "json",
	}
	if a.Contract != "" {
		args = append(args, "--contract", a.Contract)
	}
	if a.InitFile != "" {
		args = append(args, "--config", a.InitFile)
	}
	if budget.CallLimit > 0 {
		args = append(args, "--test-limit", strconv.Itoa(budget.CallLimit))
	}
	if budget.Wall > 0 {
		args = append(args, "--timeout", strconv.Itoa(int(budget.Wall.Seconds())))
	}

	log.Debugw("starting campaign", "seeds", len(snapshot), "callLimit", budget.CallLimit)
	out, err := exec.Command(a.binary(), args...).Output()
	if err != nil {
		return nil, xerrors.Errorf("echidna campaign: %w", err)
	}

	rep, err := parseReport(out)
	if err != nil {
		return nil, err
	}
	newSeqs, err := backend.CollectNewInputs(a.WorkDir, before)
	if err != nil {
		return nil, err
	}

	points, err := backend.DecodeCoverage(rep.Coverage)
	if err != nil {
		return nil, err
	}
	// The tool's report carries no executed-transaction count, so Executions
	// stays zero rather than echoing the budget back.
	res := &backend.CampaignResult{
		Points: points,
	}
	for _, s := range newSeqs {
		// Per-input attribution is not in the tool's report; the driver
		// resolves contributions from the aggregate point set.
		res.NewInputs = append(res.NewInputs, backend.Input{Sequence: s})
	}
	res.Violations = a.violations(rep, newSeqs)
	log.Debugw("campaign done", "newInputs", len(res.NewInputs), "points", len(points), "violations", len(res.Violations))
	return res, nil
}

// parseReport tolerates the tool's occasional leading status line before the
// JSON document.
func parseReport(out []byte) (*campaignReport, error) {
	text := string(out)
	if strings.HasPrefix(text, "Loaded total of") {
		if _, rest, ok := strings.Cut(text, "\n"); ok {
			text = rest
		}
	}
	var rep campaignReport
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		return nil, xerrors.Errorf("echidna report: %w", err)
	}
	return &rep, nil
}

func (a *Adapter) violations(rep *campaignReport, newSeqs []*seq.TransactionSequence) []report.Violation {
	var out []report.Violation
	for _, test := range rep.Tests {
		if test.Status != "solved" {
			continue
		}
		fns := make([]string, len(test.Transactions))
		for i, tx := range test.Transactions {
			fns[i] = tx.Function
		}
		contract := test.Contract
		if contract == "" {
			contract = a.Contract
		}
		out = append(out, report.Violation{
			Kind:     oracleKind(a.TestMode),
			Location: fmt.Sprintf("%s:%s", contract, test.Name),
			Input:    matchReproducer(newSeqs, fns),
		})
	}
	return out
}

func oracleKind(mode config.TestMode) report.OracleKind {
	switch mode {
	case config.TestReentrancy:
		return report.OracleReentrancy
	case config.TestProperty:
		return report.OracleProperty
	default:
		return report.OracleAssertion
	}
}

// matchReproducer finds the new input whose call list matches the solving
// transaction list. The tool always writes the solving sequence into the
// corpus directory, so a match is the normal case; a zero hash means the
// reproducer could not be pinned to a corpus entry.
func matchReproducer(newSeqs []*seq.TransactionSequence, fns []string) seq.Hash {
	for _, s := range newSeqs {
		calls := s.Calls()
		if len(calls) != len(fns) {
			continue
		}
		match := true
		for i := range calls {
			if calls[i].Function != fns[i] {
				match = false
				break
			}
		}
		if match {
			return s.Hash()
		}
	}
	return seq.Hash{}
}
