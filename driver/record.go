package driver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"alma.local/hybrid/coverage"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"
)

// IterationRecord is the append-only snapshot of one completed round. The
// termination policy and the end-of-run report are computed from these, and
// they are journaled so a killed run can resume without losing progress.
type IterationRecord struct {
	Iteration      int           `json:"iteration"`
	CorpusBefore   int           `json:"corpusBefore"`
	CorpusAfter    int           `json:"corpusAfter"`
	CoverageBefore int           `json:"coverageBefore"`
	CoverageAfter  int           `json:"coverageAfter"`
	FuzzInputs     int           `json:"fuzzInputs"`
	FuzzPoints     int           `json:"fuzzPoints"`
	SymInputs      int           `json:"symInputs"`
	SymPoints      int           `json:"symPoints"`
	SkippedBranch  int           `json:"skippedBranches"`
	NewViolations  int           `json:"newViolations"`
	Duration       time.Duration `json:"duration"`
}

// NewCoverage returns the combined coverage growth of the round.
func (r *IterationRecord) NewCoverage() int {
	return r.CoverageAfter - r.CoverageBefore
}

const (
	iterationsFile = "iterations.json"
	coverageFile   = "coverage.json"
)

// journal persists the iteration history and the coverage set next to the
// corpus entries, so a restart resumes from at least what the last completed
// round had. A nil journal (no directory configured) is a no-op.
type journal struct {
	dir string
}

func openJournal(dir string) (*journal, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("journal dir: %w", err)
	}
	return &journal{dir: dir}, nil
}

func (j *journal) loadHistory() ([]IterationRecord, error) {
	if j == nil {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(j.dir, iterationsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read iteration log: %w", err)
	}
	var history []IterationRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, xerrors.Errorf("corrupt iteration log: %w", err)
	}
	return history, nil
}

func (j *journal) saveHistory(history []IterationRecord) error {
	if j == nil {
		return nil
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(j.dir, iterationsFile), data)
}

type journaledPoint struct {
	Contract string `json:"contract"`
	PC       uint64 `json:"pc"`
}

func (j *journal) loadCoverage() ([]coverage.Point, error) {
	if j == nil {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(j.dir, coverageFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("read coverage journal: %w", err)
	}
	var pts []journaledPoint
	if err := json.Unmarshal(data, &pts); err != nil {
		return nil, xerrors.Errorf("corrupt coverage journal: %w", err)
	}
	out := make([]coverage.Point, len(pts))
	for i, p := range pts {
		out[i] = coverage.Point{Contract: common.HexToAddress(p.Contract), PC: p.PC}
	}
	return out, nil
}

func (j *journal) saveCoverage(points []coverage.Point) error {
	if j == nil {
		return nil
	}
	pts := make([]journaledPoint, len(points))
	for i, p := range points {
		pts[i] = journaledPoint{Contract: p.Contract.Hex(), PC: p.PC}
	}
	data, err := json.Marshal(pts)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(j.dir, coverageFile), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
