// Package coverage tracks every program point ever reached across backend
// runs. The tracker is a pure, monotonic set union: points are merged in,
// never removed, so a zero-delta merge is the convergence signal the driver
// looks for.
package coverage

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Point identifies one reachable location in an analyzed contract: the
// contract's address plus the program counter of the instruction (or the
// branch id the backend reports at that granularity).
type Point struct {
	Contract common.Address
	PC       uint64
}

func (p Point) String() string {
	return fmt.Sprintf("%s:%#x", p.Contract.Hex(), p.PC)
}

// Tracker is the monotonic record of reached points. It is owned and written
// by a single driver; backends only report points for the driver to merge.
type Tracker struct {
	points map[Point]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{points: make(map[Point]struct{})}
}

// Merge unions the given points into the tracker and returns how many of
// them were not seen before.
func (t *Tracker) Merge(points []Point) int {
	added := 0
	for _, p := range points {
		if _, ok := t.points[p]; !ok {
			t.points[p] = struct{}{}
			added++
		}
	}
	return added
}

// Diff returns the subset of points not yet in the tracker, without adding
// them. Used to compute an entry's incremental contribution before the
// commit of a round.
func (t *Tracker) Diff(points []Point) []Point {
	var fresh []Point
	seen := make(map[Point]struct{}, len(points))
	for _, p := range points {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := t.points[p]; !ok {
			fresh = append(fresh, p)
		}
	}
	return fresh
}

// Contains reports whether the point was ever reached.
func (t *Tracker) Contains(p Point) bool {
	_, ok := t.points[p]
	return ok
}

// Total returns the number of distinct points ever reached.
func (t *Tracker) Total() int {
	return len(t.points)
}

// Points returns every reached point, sorted for stable persistence.
func (t *Tracker) Points() []Point {
	out := make([]Point, 0, len(t.points))
	for p := range t.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Contract.Cmp(out[j].Contract); c != 0 {
			return c < 0
		}
		return out[i].PC < out[j].PC
	})
	return out
}

// PerContract returns the covered point count per contract address, sorted
// by address for stable report output.
func (t *Tracker) PerContract() []ContractCoverage {
	counts := make(map[common.Address]int)
	for p := range t.points {
		counts[p.Contract]++
	}
	out := make([]ContractCoverage, 0, len(counts))
	for addr, n := range counts {
		out = append(out, ContractCoverage{Contract: addr, Points: n})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Contract.Cmp(out[j].Contract) < 0
	})
	return out
}

// ContractCoverage is one line of the per-contract coverage summary.
type ContractCoverage struct {
	Contract common.Address
	Points   int
}
