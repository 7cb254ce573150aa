package artifact

import (
	"math/big"
	"strings"

	"alma.local/hybrid/seq"

	"github.com/ethereum/go-ethereum/common"
)

// Default transaction parameters for seed sequences, matching what the
// fuzzing backend uses for its own generated transactions.
var (
	defaultSenders = []common.Address{
		common.HexToAddress("0x10000"),
		common.HexToAddress("0x20000"),
		common.HexToAddress("0x30000"),
	}
	defaultGasLimit = big.NewInt(0xffffffff)
	defaultGasPrice = big.NewInt(1)
)

// SeedGenerator builds the initial corpus from the analyzer's function
// relations. It starts from one single-call sequence per mutating function;
// each Step prepends every call that impacts a sequence, producing one new
// sequence per impacting call.
type SeedGenerator struct {
	art       *Artifact
	sequences [][]string // function names, call order
}

// NewSeedGenerator initializes the generator with 1-call sequences.
func NewSeedGenerator(art *Artifact) *SeedGenerator {
	g := &SeedGenerator{art: art}
	for _, f := range art.Functions {
		if f.Mutating {
			g.sequences = append(g.sequences, []string{f.Name})
		}
	}
	return g
}

// SeqLen returns the length of the current sequences (they all share it).
func (g *SeedGenerator) SeqLen() int {
	if len(g.sequences) == 0 {
		return 0
	}
	return len(g.sequences[0])
}

// Step extends the sequences n times by prepending impacting calls. A
// sequence nothing impacts is dropped by the step, mirroring the dataflow
// expansion this is built from.
func (g *SeedGenerator) Step(n int) {
	for ; n > 0; n-- {
		var next [][]string
		for _, s := range g.sequences {
			impacts := make(map[string]struct{})
			for _, fn := range s {
				for _, prev := range g.art.Impacts[fn] {
					impacts[prev] = struct{}{}
				}
			}
			for prev := range impacts {
				next = append(next, append([]string{prev}, s...))
			}
		}
		g.sequences = next
	}
}

// Sequences materializes the current call-name sequences as transaction
// sequences with default argument values, ready to merge into the corpus as
// iteration-0 seed entries.
func (g *SeedGenerator) Sequences() []*seq.TransactionSequence {
	out := make([]*seq.TransactionSequence, 0, len(g.sequences))
	for i, names := range g.sequences {
		calls := make([]seq.CallRecord, 0, len(names))
		for _, name := range names {
			f := g.art.Function(name)
			if f == nil {
				continue
			}
			args := make([]seq.ABIValue, len(f.Inputs))
			for j, typ := range f.Inputs {
				args[j] = seq.ABIValue{Type: typ, Value: defaultValue(typ)}
			}
			calls = append(calls, seq.CallRecord{
				Function: f.Name,
				Args:     args,
				Sender:   defaultSenders[i%len(defaultSenders)],
				Target:   DefaultTarget,
				Value:    new(big.Int),
				GasLimit: defaultGasLimit,
				GasPrice: defaultGasPrice,
			})
		}
		if len(calls) > 0 {
			out = append(out, seq.New(calls))
		}
	}
	return out
}

func defaultValue(typ string) string {
	switch {
	case typ == "address":
		return "0x0000000000000000000000000000000000010000"
	case typ == "bool":
		return "false"
	case typ == "string", typ == "bytes":
		return ""
	case strings.HasPrefix(typ, "bytes"):
		return "0x00"
	default:
		// Numeric types.
		return "0"
	}
}
