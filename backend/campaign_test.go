package backend

import (
	"testing"

	"alma.local/hybrid/corpus"
	"alma.local/hybrid/seq"

	"github.com/ethereum/go-ethereum/common"
)

func TestSnapshotRoundTripThroughCampaignDir(t *testing.T) {
	dir := t.TempDir()

	s := seq.New([]seq.CallRecord{{
		Function: "deposit",
		Args:     []seq.ABIValue{{Type: "uint256", Value: "7"}},
		Sender:   common.HexToAddress("0x10000"),
		Target:   common.HexToAddress("0xbeef"),
	}})
	snapshot := []*corpus.Entry{{Sequence: s, Provenance: corpus.ProvenanceSeed}}

	if err := WriteSnapshot(dir, snapshot); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	before, err := ListInputs(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(before) != 1 {
		t.Fatalf("expected 1 seed file, got %d", len(before))
	}

	// Nothing added since the listing: no new inputs.
	fresh, err := CollectNewInputs(dir, before)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected no new inputs, got %d", len(fresh))
	}

	// Against an empty before-set the seed itself is new and parses back to
	// the same identity.
	fresh, err = CollectNewInputs(dir, nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(fresh) != 1 || fresh[0].Hash() != s.Hash() {
		t.Fatalf("seed did not round trip: %v", fresh)
	}
}

func TestWriteSnapshotReplacesStaleSeeds(t *testing.T) {
	dir := t.TempDir()

	a := seq.New([]seq.CallRecord{{Function: "deposit", Sender: common.HexToAddress("0x10000")}})
	b := seq.New([]seq.CallRecord{{Function: "withdraw", Sender: common.HexToAddress("0x20000")}})

	if err := WriteSnapshot(dir, []*corpus.Entry{{Sequence: a}, {Sequence: b}}); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	// Next round: a was evicted, b now leads. The previous round's files must
	// not linger under their old priority prefixes.
	if err := WriteSnapshot(dir, []*corpus.Entry{{Sequence: b}}); err != nil {
		t.Fatalf("rewrite snapshot: %v", err)
	}

	inputs, err := ListInputs(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inputs) != 1 {
		t.Fatalf("expected 1 seed file after rewrite, got %d: %v", len(inputs), inputs)
	}
	if _, ok := inputs[seedFileName(0, b.Hash())]; !ok {
		t.Fatalf("surviving seed has the wrong name: %v", inputs)
	}
}

func TestParseCoverageMap(t *testing.T) {
	raw := map[string][][]int64{
		"0x00a329c0648769A73afAc7F9381E08FB43dBEA72": {{16, 1}, {32, 0}, {16, 2}},
		"0xdead": {{-1}, {}},
	}
	points := ParseCoverageMap(raw)
	if len(points) != 2 {
		t.Fatalf("expected 2 unique points, got %d: %v", len(points), points)
	}
}
