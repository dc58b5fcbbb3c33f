package registration

import (
	"fmt"
	"strings"

	"github.com/ankraft/acme-cse/internal/model"
)

// ErrForwardingLoop is returned when a request would revisit a CSE
// already on its trail (spec.md §4.5: "loops detected by hop-counter or
// by originator trail are rejected RSC=4000").
var ErrForwardingLoop = fmt.Errorf("forwarding loop detected")

// maxHopCount bounds transit depth even when the originator trail is
// incomplete (e.g. a peer that doesn't echo it back).
const maxHopCount = 20

// ForwardingDecision describes where a `to` address resolved to relative
// to the local CSE.
type ForwardingDecision struct {
	Local     bool     // resolves within this CSE's own tree
	TargetCSI string   // the peer CSE-ID to forward to, when !Local
	POA       string   // the chosen point-of-access URI from the peer's poa
	HopCount  int       // incremented on each forward
	Trail     []string // originator/CSE-ID trail accumulated across hops
}

// Resolve decides whether targetCSI (parsed from the request's `to`
// address) is this CSE's own csi, and if not, picks a point of access
// from the peer's advertised `poa` list and checks for loops.
func Resolve(localCSI, targetCSI string, peer *RemoteCSE, hopCount int, trail []string) (*ForwardingDecision, error) {
	if targetCSI == "" || targetCSI == localCSI {
		return &ForwardingDecision{Local: true}, nil
	}

	if hopCount >= maxHopCount {
		return nil, ErrForwardingLoop
	}
	for _, hop := range trail {
		if hop == localCSI {
			return nil, ErrForwardingLoop
		}
	}

	if peer == nil || len(peer.PoA) == 0 {
		return nil, fmt.Errorf("no point of access known for CSE %s", targetCSI)
	}

	return &ForwardingDecision{
		Local:     false,
		TargetCSI: targetCSI,
		POA:       choosePOA(peer.PoA),
		HopCount:  hopCount + 1,
		Trail:     append(append([]string{}, trail...), localCSI),
	}, nil
}

// choosePOA picks the peer's first advertised point of access. Multiple
// poa entries exist for redundancy; a fuller implementation would retry
// across them on delivery failure.
func choosePOA(poa []string) string {
	return poa[0]
}

// ParseTargetCSI extracts the CSE-ID segment from a `to` address, built
// on model.ParseAddress (spec.md §3.1's addressing-form classification).
// Returns "" when the address carries no explicit CSE-ID (CSE-relative
// addressing, i.e. targets this CSE).
func ParseTargetCSI(to string) string {
	parsed := model.ParseAddress(to)
	return strings.TrimPrefix(parsed.CSEID, "/")
}
