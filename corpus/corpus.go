// Package corpus is the durable, deduplicated collection of transaction
// sequences shared between the exploration backends. Entries are immutable
// once accepted; the only mutation the store ever performs is eviction under
// an explicit size cap.
package corpus

import (
	"sort"

	"alma.local/hybrid/coverage"
	"alma.local/hybrid/seq"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("corpus")

// Provenance records which backend discovered an entry.
type Provenance string

const (
	ProvenanceSeed     Provenance = "seed"
	ProvenanceFuzzer   Provenance = "fuzzer"
	ProvenanceSymbolic Provenance = "symbolic"
)

// Entry wraps an accepted sequence with its discovery metadata. Never
// mutated after creation.
type Entry struct {
	Sequence   *seq.TransactionSequence
	Provenance Provenance
	Iteration  int
	// Contributed is the set of coverage points this entry newly reached at
	// discovery time. It drives snapshot ranking: entries that opened more
	// coverage are re-seeded first.
	Contributed []coverage.Point
}

// Hash returns the entry's content identity.
func (e *Entry) Hash() seq.Hash {
	return e.Sequence.Hash()
}

// Candidate is a sequence offered to Merge together with the coverage it
// newly contributed (as computed by the driver against the tracker before
// the merge commits).
type Candidate struct {
	Sequence    *seq.TransactionSequence
	Contributed []coverage.Point
}

// Store holds the corpus for one run. Single writer: only the driver's merge
// step calls the mutating methods.
type Store struct {
	entries    map[seq.Hash]*Entry
	order      []seq.Hash // insertion order, for stable iteration
	maxEntries int        // 0 disables eviction
	persister  *persister // nil when running memory-only
	degraded   bool
}

// Options configures a Store.
type Options struct {
	// Dir is the corpus directory. Empty means memory-only (tests).
	Dir string
	// MaxEntries caps the corpus size; 0 disables eviction.
	MaxEntries int
	// AllowDegraded downgrades persistence failures from fatal to a
	// durability warning, keeping the run alive in memory only.
	AllowDegraded bool
}

// Open creates a store and, if Dir is set, restores any entries a previous
// run left there. A killed run resumes from exactly what it managed to
// persist.
func Open(opts Options) (*Store, error) {
	s := &Store{
		entries:    make(map[seq.Hash]*Entry),
		maxEntries: opts.MaxEntries,
	}
	if opts.Dir == "" {
		return s, nil
	}
	p, restored, err := openPersister(opts.Dir)
	if err != nil {
		if !opts.AllowDegraded {
			return nil, err
		}
		log.Warnw("corpus directory unusable, continuing without durability", "dir", opts.Dir, "err", err)
		s.degraded = true
		return s, nil
	}
	s.persister = p
	for _, e := range restored {
		s.insert(e)
	}
	if len(restored) > 0 {
		log.Infow("restored corpus from disk", "dir", opts.Dir, "entries", len(restored))
	}
	s.degraded = opts.AllowDegraded
	return s, nil
}

// Merge accepts the candidates not already present and returns the newly
// created entries. Duplicates by content hash are silently dropped and never
// returned. Accepted entries are persisted as part of the merge.
func (s *Store) Merge(candidates []Candidate, provenance Provenance, iteration int) ([]*Entry, error) {
	var accepted []*Entry
	for _, c := range candidates {
		h := c.Sequence.Hash()
		if _, dup := s.entries[h]; dup {
			continue
		}
		e := &Entry{
			Sequence:    c.Sequence,
			Provenance:  provenance,
			Iteration:   iteration,
			Contributed: c.Contributed,
		}
		s.insert(e)
		accepted = append(accepted, e)
	}
	if len(accepted) > 0 && s.persister != nil {
		if err := s.persister.writeEntries(accepted, s.indexRows()); err != nil {
			if !s.degraded {
				return nil, err
			}
			log.Warnw("corpus write failed, entries kept in memory only", "err", err)
			s.persister = nil
		}
	}
	return accepted, nil
}

func (s *Store) insert(e *Entry) {
	s.entries[e.Hash()] = e
	s.order = append(s.order, e.Hash())
}

// Snapshot returns the corpus ordered for backend seeding: discovery
// iteration ascending, then contributed coverage descending, then hash for
// a deterministic total order.
func (s *Store) Snapshot() []*Entry {
	out := make([]*Entry, 0, len(s.entries))
	for _, h := range s.order {
		if e, ok := s.entries[h]; ok {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Iteration != out[j].Iteration {
			return out[i].Iteration < out[j].Iteration
		}
		if len(out[i].Contributed) != len(out[j].Contributed) {
			return len(out[i].Contributed) > len(out[j].Contributed)
		}
		return out[i].Hash().Hex() < out[j].Hash().Hex()
	})
	return out
}

// Sequences returns just the sequences of a snapshot, in snapshot order.
func (s *Store) Sequences() []*seq.TransactionSequence {
	snap := s.Snapshot()
	out := make([]*seq.TransactionSequence, len(snap))
	for i, e := range snap {
		out[i] = e.Sequence
	}
	return out
}

// Contains reports whether a sequence with this hash was accepted.
func (s *Store) Contains(h seq.Hash) bool {
	_, ok := s.entries[h]
	return ok
}

// Get returns the entry for a hash, or nil.
func (s *Store) Get(h seq.Hash) *Entry {
	return s.entries[h]
}

// Len returns the corpus size.
func (s *Store) Len() int {
	return len(s.entries)
}

// Evict enforces the size cap, removing the oldest-discovered entries first.
// Entries in the protected set (violation reproducers) are never evicted.
// No-op when no cap is configured or the corpus fits.
func (s *Store) Evict(protected map[seq.Hash]struct{}) int {
	if s.maxEntries <= 0 || len(s.entries) <= s.maxEntries {
		return 0
	}
	// Oldest iteration first, least contribution first within an iteration:
	// the reverse of snapshot priority.
	victims := s.Snapshot()
	sort.SliceStable(victims, func(i, j int) bool {
		if victims[i].Iteration != victims[j].Iteration {
			return victims[i].Iteration < victims[j].Iteration
		}
		return len(victims[i].Contributed) < len(victims[j].Contributed)
	})
	evicted := 0
	for _, e := range victims {
		if len(s.entries) <= s.maxEntries {
			break
		}
		if _, keep := protected[e.Hash()]; keep {
			continue
		}
		delete(s.entries, e.Hash())
		if s.persister != nil {
			s.persister.removeEntry(e.Hash())
		}
		evicted++
	}
	if evicted > 0 {
		// Compact the insertion order so an evicted sequence rediscovered by
		// a later round is inserted exactly once.
		order := s.order[:0]
		for _, h := range s.order {
			if _, ok := s.entries[h]; ok {
				order = append(order, h)
			}
		}
		s.order = order
		log.Infow("evicted corpus entries", "count", evicted, "size", len(s.entries))
		if s.persister != nil {
			if err := s.persister.writeIndex(s.indexRows()); err != nil {
				log.Warnw("failed to rewrite corpus index after eviction", "err", err)
			}
		}
	}
	return evicted
}

// Degraded reports whether the store lost (or never had) durability.
func (s *Store) Degraded() bool {
	return s.persister == nil && s.degraded
}
