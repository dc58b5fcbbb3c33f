// Package group implements the Group Manager (spec.md §4.7): a
// `<group>` resource's `/fopt` fan-out point re-dispatches one incoming
// request to every member and aggregates the per-member responses.
package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/rsc"
)

// ConsistencyStrategy is `csy`: how a group tolerates member-type
// mismatches during fan-out.
type ConsistencyStrategy int

const (
	ConsistencyAbandonMember ConsistencyStrategy = iota // drop the offending member, continue
	ConsistencyAbandonGroup                             // fail the whole fan-out
	ConsistencySetMixed                                 // allow: mismatched members stay in the fan-out
)

// Group is the fan-out configuration carried by a `<group>` resource.
type Group struct {
	RI                string
	MemberIDs         []string            // mid
	MemberType        model.ResourceType  // mt, zero value = unchecked
	ConsistencyPolicy ConsistencyStrategy // csy
	FanOutTimeout     time.Duration       // gft
	MaxNrOfMembers    int                 // mnm
}

// MemberRequest is the request the Group Manager re-dispatches to each
// member, deadline-adjusted per spec.md §4.7 ("min(originalDeadline, gft)").
type MemberRequest struct {
	Operation  string
	TargetRI   string
	Originator string
	Body       map[string]any
}

// MemberResponse is one member's result, preserved verbatim in the
// aggregated response.
type MemberResponse struct {
	MemberRI string
	RSC      rsc.Code
	Body     map[string]any
	Err      error
}

// AggregatedResponse is `m2m:agr`.
type AggregatedResponse struct {
	Responses []MemberResponse
}

// MemberDispatcher re-dispatches a single member request. The
// Dispatcher (spec.md §4.1) implements this; kept as a narrow interface
// here so the group package has no import-cycle dependency on it.
type MemberDispatcher interface {
	DispatchMember(ctx context.Context, req MemberRequest) MemberResponse
}

// MemberLookup resolves a member id to its resource type, used for the
// `mt` consistency check.
type MemberLookup interface {
	TypeOf(ctx context.Context, ri string) (model.ResourceType, bool)
}

// Manager executes fan-out dispatch for a group's `/fopt`.
type Manager struct {
	dispatcher MemberDispatcher
	lookup     MemberLookup
}

// NewManager constructs a Manager.
func NewManager(dispatcher MemberDispatcher, lookup MemberLookup) *Manager {
	return &Manager{dispatcher: dispatcher, lookup: lookup}
}

// FanOut dispatches req to every member of g in parallel and aggregates
// the results (spec.md §4.7). It returns an error only when the whole
// fan-out must fail outright (member-type mismatch under
// ConsistencyAbandonGroup, or MaxNrOfMembers exceeded); otherwise it
// always returns an AggregatedResponse with per-member outcomes.
func (m *Manager) FanOut(ctx context.Context, g *Group, originator, op string, body map[string]any) (*AggregatedResponse, error) {
	if g.MaxNrOfMembers > 0 && len(g.MemberIDs) > g.MaxNrOfMembers {
		return nil, fmt.Errorf("group %s exceeds max number of members (rsc=%d)", g.RI, rsc.MaxNumberOfMemberExceeded)
	}

	members := g.MemberIDs
	if g.MemberType != 0 {
		filtered, err := m.checkMemberTypes(ctx, g, members)
		if err != nil {
			return nil, err
		}
		members = filtered
	}

	deadline := g.FanOutTimeout
	fanCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		fanCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	responses := make([]MemberResponse, len(members))
	var wg sync.WaitGroup
	for i, mid := range members {
		wg.Add(1)
		go func(i int, mid string) {
			defer wg.Done()
			responses[i] = m.dispatcher.DispatchMember(fanCtx, MemberRequest{
				Operation:  op,
				TargetRI:   mid,
				Originator: originator,
				Body:       body,
			})
		}(i, mid)
	}
	wg.Wait()

	return &AggregatedResponse{Responses: responses}, nil
}

// checkMemberTypes applies the `mt`/`csy` consistency rule (spec.md
// §4.7: "if mt set, members whose ty differs cause creation failure
// RSC=6010 unless csy permits drop/abandon").
func (m *Manager) checkMemberTypes(ctx context.Context, g *Group, members []string) ([]string, error) {
	filtered := make([]string, 0, len(members))
	for _, mid := range members {
		ty, ok := m.lookup.TypeOf(ctx, mid)
		if ok && ty == g.MemberType {
			filtered = append(filtered, mid)
			continue
		}

		switch g.ConsistencyPolicy {
		case ConsistencyAbandonMember:
			continue // drop the mismatched member, keep going
		case ConsistencySetMixed:
			filtered = append(filtered, mid) // keep it; membership is mixed
		default:
			return nil, fmt.Errorf("group %s member %s type mismatch (rsc=%d)", g.RI, mid, rsc.MaxNumberOfMemberExceeded)
		}
	}
	return filtered, nil
}

// OverallRSC computes the aggregate result code per spec.md §6.3:
// "overall RSC=2000 if any member succeeded else 5209".
func OverallRSC(agr *AggregatedResponse) rsc.Code {
	for _, r := range agr.Responses {
		if rsc.IsSuccess(r.RSC) {
			return rsc.OK
		}
	}
	return rsc.GroupMembersNotResponded
}
