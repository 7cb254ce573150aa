// Package report accumulates oracle violations found by either exploration
// backend, deduplicated so the same broken property reported in every round
// shows up once.
package report

import (
	"fmt"
	"sort"

	"alma.local/hybrid/seq"
)

// OracleKind names the runtime check whose violation indicates a bug.
type OracleKind string

const (
	OracleAssertion  OracleKind = "assertion-failure"
	OracleProperty   OracleKind = "property-violation"
	OracleReentrancy OracleKind = "reentrancy-invariant-break"
)

// Violation is one oracle firing with a reproducing input. Identity for
// deduplication is (Kind, Location): the same assertion tripped by two
// different sequences is still one finding.
type Violation struct {
	Kind      OracleKind `json:"kind"`
	Location  string     `json:"location"` // contract:function or contract:pc
	Input     seq.Hash   `json:"input"`    // corpus entry reproducing the violation
	Iteration int        `json:"iteration"`
}

func (v Violation) key() string {
	return string(v.Kind) + "|" + v.Location
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at %s (input %s, round %d)", v.Kind, v.Location, v.Input, v.Iteration)
}

// VulnerabilityReport is the run-wide violation ledger. Like the corpus and
// the coverage tracker it has a single writer: the driver's merge step.
type VulnerabilityReport struct {
	seen       map[string]struct{}
	violations []Violation
	kindCounts map[OracleKind]int
}

// NewVulnerabilityReport returns an empty report.
func NewVulnerabilityReport() *VulnerabilityReport {
	return &VulnerabilityReport{
		seen:       make(map[string]struct{}),
		kindCounts: make(map[OracleKind]int),
	}
}

// Record adds violations to the ledger and returns how many were new.
// Duplicates by (kind, location) are dropped.
func (r *VulnerabilityReport) Record(violations []Violation) int {
	added := 0
	for _, v := range violations {
		if _, dup := r.seen[v.key()]; dup {
			continue
		}
		r.seen[v.key()] = struct{}{}
		r.violations = append(r.violations, v)
		r.kindCounts[v.Kind]++
		added++
	}
	return added
}

// Count returns the number of distinct violations recorded.
func (r *VulnerabilityReport) Count() int {
	return len(r.violations)
}

// Violations returns the recorded violations in discovery order.
func (r *VulnerabilityReport) Violations() []Violation {
	out := make([]Violation, len(r.violations))
	copy(out, r.violations)
	return out
}

// Reproducers returns the set of corpus entry hashes that reproduce at least
// one recorded violation. The corpus store uses this to shield reproducers
// from eviction.
func (r *VulnerabilityReport) Reproducers() map[seq.Hash]struct{} {
	out := make(map[seq.Hash]struct{}, len(r.violations))
	for _, v := range r.violations {
		out[v.Input] = struct{}{}
	}
	return out
}

// KindSummary returns "kind: count" lines sorted by kind, for the end-of-run
// report.
func (r *VulnerabilityReport) KindSummary() []string {
	kinds := make([]string, 0, len(r.kindCounts))
	for k := range r.kindCounts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	lines := make([]string, len(kinds))
	for i, k := range kinds {
		lines[i] = fmt.Sprintf("%s: %d", k, r.kindCounts[OracleKind(k)])
	}
	return lines
}
