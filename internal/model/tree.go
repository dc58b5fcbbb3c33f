package model

import (
	"strings"

	"github.com/ankraft/acme-cse/internal/cseerror"
)

// childTypeMatrix is the static type-compatibility matrix (spec.md §3.3):
// which child types a given parent type admits. CSEBase admits almost
// everything; most other types admit only Subscription and their own
// domain-specific children.
var childTypeMatrix = map[ResourceType]map[ResourceType]bool{
	TypeCSEBase: {
		TypeAE: true, TypeContainer: true, TypeGroup: true, TypeACP: true,
		TypeRemoteCSE: true, TypeSubscription: true, TypeFlexContainer: true,
	},
	TypeAE: {
		TypeContainer: true, TypeGroup: true, TypeSubscription: true,
		TypePollingChannel: true, TypeFlexContainer: true, TypeAction: true,
	},
	TypeContainer: {
		TypeContainer: true, TypeContentInstance: true, TypeSubscription: true,
		TypeTimeSeries: true,
	},
	TypeGroup: {
		TypeSubscription: true,
	},
	TypeFlexContainer: {
		TypeFlexContainer: true, TypeContainer: true, TypeSubscription: true,
	},
}

// IsChildTypeAllowed reports whether childType may be created under a
// resource of type parentType.
func IsChildTypeAllowed(parentType, childType ResourceType) bool {
	children, ok := childTypeMatrix[parentType]
	if !ok {
		return false
	}
	return children[childType]
}

// Node is the minimal shape the tree-resolution helpers need from a
// stored resource: enough to walk parent/child links without depending on
// the full Resource struct (storage can supply a lightweight projection).
type Node struct {
	RI string
	RN string
	PI string
}

// StructuredPath computes the srn (spec.md §3.3: "path of rn values from
// CSEBase") for the resource identified by ri, given a lookup function
// that resolves a ri to its Node.
func StructuredPath(ri string, lookup func(ri string) (Node, bool)) (string, error) {
	var segments []string
	cur := ri
	seen := make(map[string]bool)
	for {
		if seen[cur] {
			return "", cseerror.Internal("cycle detected while resolving structured path", nil)
		}
		seen[cur] = true

		node, ok := lookup(cur)
		if !ok {
			return "", cseerror.NotFound("resource not found while resolving structured path: " + cur)
		}
		segments = append([]string{node.RN}, segments...)
		if node.PI == "" {
			break
		}
		cur = node.PI
	}
	return strings.Join(segments, "/"), nil
}

// AddressForm classifies how a "to" target was expressed (spec.md §3.1).
type AddressForm int

const (
	AddressCSERelative AddressForm = iota
	AddressSPRelative
	AddressAbsolute
)

// ParsedAddress is the result of classifying a request's "to" field.
type ParsedAddress struct {
	Form   AddressForm
	SPID   string // set for AddressAbsolute
	CSEID  string // set for AddressSPRelative and AddressAbsolute
	Target string // the ri or srn remainder, CSE-local
}

// ParseAddress classifies to per spec.md §3.1's accepted addressing forms:
// CSE-relative ("ri" or "srn"), SP-relative ("/csi/ri"), absolute
// ("//spid/csi/ri"), and hybrid (a CSE-relative prefix merged with a
// structured path — handled the same as CSE-relative here, since both
// reduce to "the remainder is CSE-local").
func ParseAddress(to string) ParsedAddress {
	switch {
	case strings.HasPrefix(to, "//"):
		rest := strings.TrimPrefix(to, "//")
		parts := strings.SplitN(rest, "/", 3)
		p := ParsedAddress{Form: AddressAbsolute}
		if len(parts) > 0 {
			p.SPID = parts[0]
		}
		if len(parts) > 1 {
			p.CSEID = "/" + parts[1]
		}
		if len(parts) > 2 {
			p.Target = parts[2]
		}
		return p
	case strings.HasPrefix(to, "/"):
		rest := strings.TrimPrefix(to, "/")
		parts := strings.SplitN(rest, "/", 2)
		p := ParsedAddress{Form: AddressSPRelative}
		if len(parts) > 0 {
			p.CSEID = "/" + parts[0]
		}
		if len(parts) > 1 {
			p.Target = parts[1]
		}
		return p
	default:
		return ParsedAddress{Form: AddressCSERelative, Target: to}
	}
}
