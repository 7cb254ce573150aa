package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"alma.local/hybrid/corpus"
	"alma.local/hybrid/coverage"
	"alma.local/hybrid/seq"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"
)

// Helpers shared by the exec-style adapters: both backends exchange corpus
// entries through a campaign directory of sequence files and report coverage
// as a contract -> covered-pc-tuples JSON map.

// WriteSnapshot materializes a corpus snapshot into the campaign directory,
// one file per entry, preserving snapshot order via a numeric prefix so the
// backend consumes high-priority seeds first.
func WriteSnapshot(dir string, snapshot []*corpus.Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Errorf("campaign dir: %w", err)
	}
	// Earlier rounds' seed files carry stale priority prefixes; drop them so
	// the backend sees each sequence once, in current snapshot order.
	stale, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.Errorf("campaign dir: %w", err)
	}
	for _, de := range stale {
		if !strings.HasPrefix(de.Name(), "seed_") || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, de.Name())); err != nil {
			return xerrors.Errorf("prune stale seed: %w", err)
		}
	}
	for i, e := range snapshot {
		data, err := e.Sequence.Encode()
		if err != nil {
			return xerrors.Errorf("encode seed %s: %w", e.Hash(), err)
		}
		name := filepath.Join(dir, seedFileName(i, e.Hash()))
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return xerrors.Errorf("write seed: %w", err)
		}
	}
	return nil
}

func seedFileName(i int, h seq.Hash) string {
	return fmt.Sprintf("seed_%06d_%s.json", i, h.Hex())
}

// ListInputs returns the set of sequence files currently in the campaign
// directory, keyed by file name.
func ListInputs(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out[e.Name()] = struct{}{}
	}
	return out, nil
}

// CollectNewInputs parses every sequence file present now but absent from
// the before set. Unparsable files are skipped: backends drop scratch files
// in their corpus directories and those are not ours to interpret.
func CollectNewInputs(dir string, before map[string]struct{}) ([]*seq.TransactionSequence, error) {
	after, err := ListInputs(dir)
	if err != nil {
		return nil, err
	}
	var out []*seq.TransactionSequence
	for name := range after {
		if _, old := before[name]; old {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		s, err := seq.Decode(data)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ParseCoverageMap decodes the backends' coverage report: a map from
// contract address to a list of [pc, ...] tuples; only the leading pc of
// each tuple identifies the point.
func ParseCoverageMap(raw map[string][][]int64) []coverage.Point {
	var points []coverage.Point
	seen := make(map[coverage.Point]struct{})
	for addr, tuples := range raw {
		contract := common.HexToAddress(addr)
		for _, tuple := range tuples {
			if len(tuple) == 0 || tuple[0] < 0 {
				continue
			}
			p := coverage.Point{Contract: contract, PC: uint64(tuple[0])}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			points = append(points, p)
		}
	}
	return points
}

// DecodeCoverage unmarshals a raw coverage JSON object into points.
func DecodeCoverage(raw json.RawMessage) ([]coverage.Point, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string][][]int64
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, xerrors.Errorf("malformed coverage map: %w", err)
	}
	return ParseCoverageMap(m), nil
}
