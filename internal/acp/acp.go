// Package acp evaluates access-control-policy resources against an
// originator and a requested operation (spec.md §4.3).
package acp

import (
	"path"
	"strings"
)

// Operation is one bit of the acop bitmask.
type Operation int

const (
	OpCreate    Operation = 1 << 0
	OpRetrieve  Operation = 1 << 1
	OpUpdate    Operation = 1 << 2
	OpDelete    Operation = 1 << 3
	OpNotify    Operation = 1 << 4
	OpDiscovery Operation = 1 << 5
)

// PrivilegeRule is one `acr` entry: a set of originator patterns granted
// the operations in Acop.
type PrivilegeRule struct {
	Originators []string // acor patterns: exact, "*", "?", or a CSE-ID
	Acop        Operation
}

// Policy is the evaluated form of an ACP resource's pv/pvs attributes.
type Policy struct {
	RI         string
	Privileges []PrivilegeRule
}

// Evaluator evaluates access against the policies referenced by a
// resource's acpi, with a configurable admin bypass (spec.md §4.3's
// "configured admin originator bypasses checks iff fullAccessAdmin is
// enabled").
type Evaluator struct {
	fullAccessAdmin bool
	adminOriginator string
}

// NewEvaluator constructs an Evaluator. adminOriginator is compared
// case-sensitively against the request's "from".
func NewEvaluator(fullAccessAdmin bool, adminOriginator string) *Evaluator {
	return &Evaluator{fullAccessAdmin: fullAccessAdmin, adminOriginator: adminOriginator}
}

// Allow reports whether originator is granted op by any of policies (the
// ACPs referenced by the target's acpi, or inherited from the parent —
// spec.md §4.3: "Collect ACPs referenced by target's acpi. If absent,
// inherit from parent."). The OR of all matching acr entries' acop masks
// is compared against op.
func (e *Evaluator) Allow(originator string, op Operation, policies []Policy) bool {
	if e.fullAccessAdmin && e.adminOriginator != "" && originator == e.adminOriginator {
		return true
	}

	for _, p := range policies {
		for _, rule := range p.Privileges {
			if rule.Acop&op == 0 {
				continue
			}
			for _, pattern := range rule.Originators {
				if matchOriginator(pattern, originator) {
					return true
				}
			}
		}
	}
	return false
}

// matchOriginator matches an acor pattern against an originator string,
// supporting exact match, the "*" wildcard for any sequence, and "?" for
// a single character (spec.md §4.3).
func matchOriginator(pattern, originator string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == originator
	}
	ok, err := path.Match(pattern, originator)
	return err == nil && ok
}
