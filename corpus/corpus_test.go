package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"alma.local/hybrid/coverage"
	"alma.local/hybrid/seq"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var target = common.HexToAddress("0xa329c0648769a73afac7f9381e08fb43dbea72")

func makeSeq(fn string, arg string) *seq.TransactionSequence {
	return seq.New([]seq.CallRecord{{
		Function: fn,
		Args:     []seq.ABIValue{{Type: "uint256", Value: arg}},
		Sender:   common.HexToAddress("0x10000"),
		Target:   target,
	}})
}

func points(pcs ...uint64) []coverage.Point {
	out := make([]coverage.Point, len(pcs))
	for i, pc := range pcs {
		out[i] = coverage.Point{Contract: target, PC: pc}
	}
	return out
}

func TestMergeDeduplicates(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)

	a := makeSeq("deposit", "1")
	accepted, err := s.Merge([]Candidate{{Sequence: a}}, ProvenanceFuzzer, 1)
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	// Merging the same sequence twice yields the same store as merging once.
	accepted, err = s.Merge([]Candidate{{Sequence: makeSeq("deposit", "1")}}, ProvenanceSymbolic, 2)
	require.NoError(t, err)
	require.Empty(t, accepted)
	require.Equal(t, 1, s.Len())
	require.Equal(t, ProvenanceFuzzer, s.Get(a.Hash()).Provenance)
}

func TestSnapshotOrdering(t *testing.T) {
	s, err := Open(Options{})
	require.NoError(t, err)

	// Iteration 2, small contribution.
	late, _ := s.Merge([]Candidate{{Sequence: makeSeq("c", "3"), Contributed: points(30)}}, ProvenanceFuzzer, 2)
	// Iteration 1, one entry with 2 new points and one with 1.
	_, err = s.Merge([]Candidate{
		{Sequence: makeSeq("a", "1"), Contributed: points(10)},
		{Sequence: makeSeq("b", "2"), Contributed: points(20, 21)},
	}, ProvenanceFuzzer, 1)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, 1, snap[0].Iteration)
	require.Len(t, snap[0].Contributed, 2, "bigger contributor should lead its iteration")
	require.Equal(t, 1, snap[1].Iteration)
	require.Equal(t, late[0].Hash(), snap[2].Hash(), "later iteration sorts last")
}

func TestPersistAndResume(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	a := makeSeq("deposit", "1")
	_, err = s.Merge([]Candidate{{Sequence: a, Contributed: points(1, 2)}}, ProvenanceSymbolic, 3)
	require.NoError(t, err)

	// Each accepted entry lands as a content-hash-named file.
	_, err = os.Stat(filepath.Join(dir, a.Hash().Hex()+".json"))
	require.NoError(t, err)

	// A fresh store over the same directory sees the entry with its metadata.
	s2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 1, s2.Len())
	e := s2.Get(a.Hash())
	require.NotNil(t, e)
	require.Equal(t, ProvenanceSymbolic, e.Provenance)
	require.Equal(t, 3, e.Iteration)
	require.Len(t, e.Contributed, 2)
}

func TestDegradedFallback(t *testing.T) {
	// Point the store at a path that cannot be a directory.
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	bad := filepath.Join(file, "corpus")

	_, err := Open(Options{Dir: bad})
	require.Error(t, err)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	s, err := Open(Options{Dir: bad, AllowDegraded: true})
	require.NoError(t, err)
	require.True(t, s.Degraded())

	// Memory-only operation still works.
	accepted, err := s.Merge([]Candidate{{Sequence: makeSeq("a", "1")}}, ProvenanceFuzzer, 1)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
}

func TestEvictThenRediscoverKeepsIdentityUnique(t *testing.T) {
	s, err := Open(Options{MaxEntries: 1})
	require.NoError(t, err)

	a := makeSeq("a", "1")
	_, err = s.Merge([]Candidate{{Sequence: a}}, ProvenanceFuzzer, 1)
	require.NoError(t, err)
	_, err = s.Merge([]Candidate{{Sequence: makeSeq("b", "2")}}, ProvenanceFuzzer, 2)
	require.NoError(t, err)
	require.Equal(t, 1, s.Evict(nil))
	require.False(t, s.Contains(a.Hash()))

	// A later round rediscovers the evicted sequence. It must come back as
	// exactly one entry: the snapshot may never seed the same input twice.
	accepted, err := s.Merge([]Candidate{{Sequence: makeSeq("a", "1")}}, ProvenanceSymbolic, 3)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	snap := s.Snapshot()
	require.Equal(t, s.Len(), len(snap))
	require.Len(t, s.indexRows(), s.Len())
}

func TestDegradedFallbackMidRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "corpus")
	s, err := Open(Options{Dir: dir, AllowDegraded: true})
	require.NoError(t, err)
	require.False(t, s.Degraded())

	// The directory vanishes under the running store: writes start failing
	// mid-run, which downgrades the store to memory-only.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))

	accepted, err := s.Merge([]Candidate{{Sequence: makeSeq("a", "1")}}, ProvenanceFuzzer, 1)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	require.True(t, s.Degraded())

	// Later merges keep working without touching the dead directory.
	_, err = s.Merge([]Candidate{{Sequence: makeSeq("b", "2")}}, ProvenanceFuzzer, 2)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
}

func TestEvictionRespectsProtectedEntries(t *testing.T) {
	s, err := Open(Options{MaxEntries: 2})
	require.NoError(t, err)

	a := makeSeq("a", "1")
	b := makeSeq("b", "2")
	c := makeSeq("c", "3")
	_, err = s.Merge([]Candidate{{Sequence: a}}, ProvenanceSeed, 0)
	require.NoError(t, err)
	_, err = s.Merge([]Candidate{{Sequence: b}}, ProvenanceFuzzer, 1)
	require.NoError(t, err)
	_, err = s.Merge([]Candidate{{Sequence: c}}, ProvenanceFuzzer, 2)
	require.NoError(t, err)

	// Oldest entry reproduces a violation: it must survive.
	protected := map[seq.Hash]struct{}{a.Hash(): {}}
	evicted := s.Evict(protected)
	require.Equal(t, 1, evicted)
	require.True(t, s.Contains(a.Hash()))
	require.False(t, s.Contains(b.Hash()), "oldest unprotected entry should go first")
	require.True(t, s.Contains(c.Hash()))
}
