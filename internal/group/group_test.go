package group_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/group"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/rsc"
)

type stubDispatcher struct {
	fail map[string]bool
	delay time.Duration
}

func (s *stubDispatcher) DispatchMember(ctx context.Context, req group.MemberRequest) group.MemberResponse {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return group.MemberResponse{MemberRI: req.TargetRI, RSC: rsc.RequestTimeout, Err: ctx.Err()}
		}
	}
	if s.fail[req.TargetRI] {
		return group.MemberResponse{MemberRI: req.TargetRI, RSC: rsc.InternalServerError}
	}
	return group.MemberResponse{MemberRI: req.TargetRI, RSC: rsc.OK}
}

type stubLookup struct {
	types map[string]model.ResourceType
}

func (s *stubLookup) TypeOf(ctx context.Context, ri string) (model.ResourceType, bool) {
	ty, ok := s.types[ri]
	return ty, ok
}

func TestManager_FanOut_AllSucceed(t *testing.T) {
	disp := &stubDispatcher{fail: map[string]bool{}}
	mgr := group.NewManager(disp, &stubLookup{})

	g := &group.Group{RI: "grp-1", MemberIDs: []string{"m1", "m2", "m3"}}
	agr, err := mgr.FanOut(context.Background(), g, "Corig", "RETRIEVE", nil)
	require.NoError(t, err)
	assert.Len(t, agr.Responses, 3)
	assert.Equal(t, rsc.OK, group.OverallRSC(agr))
}

func TestManager_FanOut_PartialFailureStillAggregatesSuccess(t *testing.T) {
	disp := &stubDispatcher{fail: map[string]bool{"m2": true}}
	mgr := group.NewManager(disp, &stubLookup{})

	g := &group.Group{RI: "grp-1", MemberIDs: []string{"m1", "m2"}}
	agr, err := mgr.FanOut(context.Background(), g, "Corig", "RETRIEVE", nil)
	require.NoError(t, err)
	assert.Equal(t, rsc.OK, group.OverallRSC(agr))

	var sawFailure bool
	for _, r := range agr.Responses {
		if r.MemberRI == "m2" {
			sawFailure = r.RSC != rsc.OK
		}
	}
	assert.True(t, sawFailure)
}

func TestManager_FanOut_AllFailAggregatesToGroupError(t *testing.T) {
	disp := &stubDispatcher{fail: map[string]bool{"m1": true, "m2": true}}
	mgr := group.NewManager(disp, &stubLookup{})

	g := &group.Group{RI: "grp-1", MemberIDs: []string{"m1", "m2"}}
	agr, err := mgr.FanOut(context.Background(), g, "Corig", "RETRIEVE", nil)
	require.NoError(t, err)
	assert.Equal(t, rsc.GroupMembersNotResponded, group.OverallRSC(agr))
}

func TestManager_FanOut_MaxMembersExceeded(t *testing.T) {
	disp := &stubDispatcher{}
	mgr := group.NewManager(disp, &stubLookup{})

	g := &group.Group{RI: "grp-1", MemberIDs: []string{"m1", "m2", "m3"}, MaxNrOfMembers: 2}
	_, err := mgr.FanOut(context.Background(), g, "Corig", "RETRIEVE", nil)
	assert.Error(t, err)
}

func TestManager_FanOut_MemberTypeMismatchAbandonsMember(t *testing.T) {
	disp := &stubDispatcher{}
	lookup := &stubLookup{types: map[string]model.ResourceType{
		"m1": model.TypeContainer,
		"m2": model.TypeAE,
	}}
	mgr := group.NewManager(disp, lookup)

	g := &group.Group{
		RI: "grp-1", MemberIDs: []string{"m1", "m2"},
		MemberType:        model.TypeContainer,
		ConsistencyPolicy: group.ConsistencyAbandonMember,
	}
	agr, err := mgr.FanOut(context.Background(), g, "Corig", "RETRIEVE", nil)
	require.NoError(t, err)
	require.Len(t, agr.Responses, 1)
	assert.Equal(t, "m1", agr.Responses[0].MemberRI)
}

func TestManager_FanOut_MemberTypeMismatchAbandonsGroup(t *testing.T) {
	disp := &stubDispatcher{}
	lookup := &stubLookup{types: map[string]model.ResourceType{
		"m1": model.TypeAE,
	}}
	mgr := group.NewManager(disp, lookup)

	g := &group.Group{
		RI: "grp-1", MemberIDs: []string{"m1"},
		MemberType:        model.TypeContainer,
		ConsistencyPolicy: group.ConsistencyAbandonGroup,
	}
	_, err := mgr.FanOut(context.Background(), g, "Corig", "RETRIEVE", nil)
	assert.Error(t, err)
}

func TestManager_FanOut_RespectsPerMemberDeadline(t *testing.T) {
	disp := &stubDispatcher{delay: 50 * time.Millisecond}
	mgr := group.NewManager(disp, &stubLookup{})

	g := &group.Group{RI: "grp-1", MemberIDs: []string{"m1"}, FanOutTimeout: 5 * time.Millisecond}
	agr, err := mgr.FanOut(context.Background(), g, "Corig", "RETRIEVE", nil)
	require.NoError(t, err)
	require.Len(t, agr.Responses, 1)
	assert.Equal(t, rsc.RequestTimeout, agr.Responses[0].RSC)
}
