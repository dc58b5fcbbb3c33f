package dispatcher

import (
	"context"
	"time"

	"github.com/ankraft/acme-cse/internal/group"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/rsc"
)

// fanOut handles a request addressed at a <group> resource's `/fopt`
// virtual resource (spec.md §4.7): re-dispatch req to every member and
// return the aggregated response as `m2m:agr`.
func (d *Dispatcher) fanOut(ctx context.Context, req *Request, groupRI string) *Response {
	r, err := d.store.GetResource(ctx, groupRI)
	if err != nil {
		return d.fail(req, rsc.NotFound)
	}
	if r.TY != model.TypeGroup {
		return d.fail(req, rsc.BadRequest)
	}

	policies, err := d.policiesForTarget(ctx, r)
	if err != nil {
		return d.fail(req, rsc.InternalServerError)
	}
	if !d.acpEval.Allow(req.From, acpOperationFor(req.Operation), policies) {
		return d.fail(req, rsc.OriginatorHasNoPrivilege)
	}

	g := groupFromResource(r)
	agr, err := d.groupMgr.FanOut(ctx, g, req.From, string(req.Operation), req.PC)
	if err != nil {
		return d.fail(req, rsc.MaxNumberOfMemberExceeded)
	}

	resp := &Response{
		RSC:       group.OverallRSC(agr),
		RequestID: req.RequestID,
		From:      d.localCSEID,
		To:        req.To,
		OT:        time.Now(),
	}
	if req.RCN != RCNNothing {
		resp.PC = map[string]any{"m2m:agr": aggregatedResponseBody(agr)}
	}
	return resp
}

func groupFromResource(r *model.Resource) *group.Group {
	g := &group.Group{
		RI:             r.RI,
		MemberIDs:      toStringSlice(r.Attrs["mid"]),
		MaxNrOfMembers: toIntAttr(r.Attrs["mnm"]),
	}
	if mt, ok := r.Attr("mt"); ok {
		g.MemberType = model.ResourceType(toIntAttr(mt))
	}
	if csy, ok := r.Attr("csy"); ok {
		// csy is 1-based on the wire (1..3); ConsistencyStrategy starts at 0.
		g.ConsistencyPolicy = group.ConsistencyStrategy(toIntAttr(csy) - 1)
	}
	if gft, ok := r.Attr("gft"); ok {
		g.FanOutTimeout = time.Duration(toIntAttr(gft)) * time.Second
	}
	return g
}

func aggregatedResponseBody(agr *group.AggregatedResponse) []map[string]any {
	out := make([]map[string]any, 0, len(agr.Responses))
	for _, member := range agr.Responses {
		entry := map[string]any{"rsc": int(member.RSC), "to": member.MemberRI}
		if member.Body != nil {
			entry["pc"] = member.Body
		}
		out = append(out, entry)
	}
	return out
}

// DispatchMember implements group.MemberDispatcher, letting the Group
// Manager re-dispatch a `/fopt` fan-out request through the same pipeline
// an ordinary request takes, rather than duplicating CRUD logic.
func (d *Dispatcher) DispatchMember(ctx context.Context, req group.MemberRequest) group.MemberResponse {
	resp := d.Process(ctx, &Request{
		Operation: Operation(req.Operation),
		To:        req.TargetRI,
		From:      req.Originator,
		PC:        req.Body,
		RCN:       RCNAttributes,
	})
	return group.MemberResponse{MemberRI: req.TargetRI, RSC: resp.RSC, Body: resp.PC}
}

// TypeOf implements group.MemberLookup, used by the `mt`/`csy` consistency
// check during fan-out.
func (d *Dispatcher) TypeOf(ctx context.Context, ri string) (model.ResourceType, bool) {
	r, err := d.store.GetResource(ctx, ri)
	if err != nil {
		return 0, false
	}
	return r.TY, true
}
