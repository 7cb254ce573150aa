package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"alma.local/hybrid/coverage"
	"alma.local/hybrid/seq"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

const indexFile = "index.json"

// PersistenceError wraps a failed corpus directory operation. It is fatal
// by default; stores opened with AllowDegraded downgrade it to a warning.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("corpus persistence failed at %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// indexRow is the persisted metadata for one entry. The entry's sequence
// itself lives in its own <hash>.json file in the backend corpus format, so
// the fuzzer can consume the directory directly.
type indexRow struct {
	Hash        string      `json:"hash"`
	Provenance  Provenance  `json:"provenance"`
	Iteration   int         `json:"iteration"`
	Contributed []indexedPt `json:"contributed,omitempty"`
}

type indexedPt struct {
	Contract string `json:"contract"`
	PC       uint64 `json:"pc"`
}

type persister struct {
	dir string
}

// openPersister prepares the corpus directory and restores whatever a
// previous run persisted there.
func openPersister(dir string) (*persister, []*Entry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, &PersistenceError{Path: dir, Err: err}
	}
	p := &persister{dir: dir}

	meta, err := p.readIndex()
	if err != nil {
		return nil, nil, err
	}

	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, &PersistenceError{Path: dir, Err: err}
	}
	var restored []*Entry
	for _, de := range names {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") || name == indexFile || name == "iterations.json" {
			continue
		}
		h, err := seq.ParseHash(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Not one of ours (e.g. a stray backend file); leave it alone.
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, &PersistenceError{Path: filepath.Join(dir, name), Err: err}
		}
		s, err := seq.Decode(data)
		if err != nil {
			log.Warnw("skipping unreadable corpus entry", "file", name, "err", err)
			continue
		}
		e := &Entry{Sequence: s, Provenance: ProvenanceSeed}
		if row, ok := meta[h.Hex()]; ok {
			e.Provenance = row.Provenance
			e.Iteration = row.Iteration
			for _, pt := range row.Contributed {
				e.Contributed = append(e.Contributed, coverage.Point{
					Contract: common.HexToAddress(pt.Contract),
					PC:       pt.PC,
				})
			}
		}
		restored = append(restored, e)
	}
	return p, restored, nil
}

func (p *persister) readIndex() (map[string]indexRow, error) {
	path := filepath.Join(p.dir, indexFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	var rows []indexRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &PersistenceError{Path: path, Err: xerrors.Errorf("corrupt index: %w", err)}
	}
	meta := make(map[string]indexRow, len(rows))
	for _, r := range rows {
		meta[r.Hash] = r
	}
	return meta, nil
}

// writeEntries persists newly accepted entries and the refreshed index.
func (p *persister) writeEntries(entries []*Entry, index []indexRow) error {
	var errs error
	for _, e := range entries {
		data, err := e.Sequence.Encode()
		if err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("encode %s: %w", e.Hash(), err))
			continue
		}
		path := filepath.Join(p.dir, e.Hash().Hex()+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return &PersistenceError{Path: p.dir, Err: errs}
	}
	return p.writeIndex(index)
}

func (p *persister) writeIndex(rows []indexRow) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return &PersistenceError{Path: p.dir, Err: err}
	}
	path := filepath.Join(p.dir, indexFile)
	// Write-then-rename so a kill mid-write leaves the previous index intact.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &PersistenceError{Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &PersistenceError{Path: path, Err: err}
	}
	return nil
}

func (p *persister) removeEntry(h seq.Hash) {
	if err := os.Remove(filepath.Join(p.dir, h.Hex()+".json")); err != nil && !os.IsNotExist(err) {
		log.Warnw("failed to remove evicted corpus file", "hash", h, "err", err)
	}
}

// indexRows renders the current in-memory state as index rows, sorted by the
// store's stable order.
func (s *Store) indexRows() []indexRow {
	rows := make([]indexRow, 0, len(s.entries))
	for _, e := range s.Snapshot() {
		row := indexRow{
			Hash:       e.Hash().Hex(),
			Provenance: e.Provenance,
			Iteration:  e.Iteration,
		}
		for _, pt := range e.Contributed {
			row.Contributed = append(row.Contributed, indexedPt{
				Contract: pt.Contract.Hex(),
				PC:       pt.PC,
			})
		}
		rows = append(rows, row)
	}
	return rows
}
