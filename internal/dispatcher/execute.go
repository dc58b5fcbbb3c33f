package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/cseerror"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/rsc"
)

// create handles CREATE against parentRI, implementing spec.md §4.4's
// tree-invariant checks (child-type matrix, sibling-rn uniqueness via
// storage.ErrSRNConflict), scenario S1's AE-registration ACP auto-grant,
// and scenario S2's container quota enforcement.
func (d *Dispatcher) create(ctx context.Context, req *Request, parentRI string) *Response {
	parent, err := d.store.GetResource(ctx, parentRI)
	if err != nil {
		return d.fail(req, rsc.NotFound)
	}

	tyVal, present := req.PC["ty"]
	if !present {
		return d.fail(req, rsc.BadRequest)
	}
	ty := model.ResourceType(toIntAttr(tyVal))

	if !model.IsChildTypeAllowed(parent.TY, ty) {
		return d.fail(req, rsc.InvalidChildResourceType)
	}

	policies, err := d.policiesForACPI(ctx, parent.ACPI)
	if err != nil {
		return d.fail(req, rsc.InternalServerError)
	}
	// AE registration under the CSEBase is not gated by the CSEBase's ACPs;
	// the new AE gets its own ACP from autoGrantACPForAE below.
	isRegistration := ty == model.TypeAE && parent.TY == model.TypeCSEBase
	if !isRegistration && !d.acpEval.Allow(req.From, acpOperationFor(OpCreate), policies) {
		return d.fail(req, rsc.OriginatorHasNoPrivilege)
	}

	now := time.Now()
	child := &model.Resource{
		RI:    generateRI(ty),
		RN:    stringOr(req.PC["rn"], generateRN(ty)),
		PI:    parentRI,
		TY:    ty,
		CT:    now,
		LT:    now,
		ACPI:  stringList(req.PC["acpi"]),
		LBL:   stringList(req.PC["lbl"]),
		Attrs: attrsWithoutUniversal(req.PC),
	}
	if et, ok := parseTimestampAttr(req.PC["et"]); ok {
		child.ET = &et
	}

	if err := model.ValidateCreate(child); err != nil {
		return d.fail(req, cseerror.CodeOf(err))
	}

	lock := d.lockFor(parentRI)
	lock.Lock()
	defer lock.Unlock()

	if err := d.store.CreateResource(ctx, child); err != nil {
		return d.fail(req, codeForStoreErr(err))
	}

	if ty == model.TypeAE && len(child.ACPI) == 0 {
		d.autoGrantACPForAE(ctx, child, req.From)
	}
	if ty == model.TypeContentInstance {
		d.enforceContainerQuota(ctx, parent)
	}

	d.publish(ctx, eventbus.KindResourceCreated, child, nil)
	d.publish(ctx, eventbus.KindChildCreated, child, nil)
	if d.announcement != nil {
		d.announcement.OnResourceCreated(ctx, child)
	}

	return d.success(req, rsc.Created, child)
}

// autoGrantACPForAE implements scenario S1: an AE that registers without
// specifying its own acpi is granted a CSE-created ACP giving its
// originator full control over the subtree rooted at the AE.
func (d *Dispatcher) autoGrantACPForAE(ctx context.Context, ae *model.Resource, originator string) {
	now := time.Now()
	full := acp.OpCreate | acp.OpRetrieve | acp.OpUpdate | acp.OpDelete | acp.OpNotify | acp.OpDiscovery
	rule := map[string]any{"acor": []any{originator}, "acop": int(full)}

	grant := &model.Resource{
		RI: generateRI(model.TypeACP),
		RN: "acp-" + ae.RI,
		PI: ae.PI,
		TY: model.TypeACP,
		CT: now,
		LT: now,
		Attrs: map[string]any{
			"pv":  map[string]any{"acr": []any{rule}},
			"pvs": map[string]any{"acr": []any{rule}},
		},
	}
	if err := d.store.CreateResource(ctx, grant); err != nil {
		d.logger.Warn("failed to auto-create ACP for AE registration",
			zap.String("ae_ri", ae.RI), zap.Error(err))
		return
	}

	ae.ACPI = []string{grant.RI}
	if err := d.store.UpdateResource(ctx, ae); err != nil {
		d.logger.Warn("failed to attach auto-created ACP to AE",
			zap.String("ae_ri", ae.RI), zap.Error(err))
	}
}

// enforceContainerQuota implements scenario S2: after a ContentInstance
// is added, evict the oldest siblings needed to bring the container back
// within mni/mbs (spec.md §4.4).
func (d *Dispatcher) enforceContainerQuota(ctx context.Context, container *model.Resource) {
	mni := container.IntAttr("mni")
	mbs := container.IntAttr("mbs")
	if mni <= 0 && mbs <= 0 {
		return
	}

	cis, err := d.store.ChildrenOfType(ctx, container.RI, model.TypeContentInstance)
	if err != nil {
		return
	}

	refs := make([]model.ContentInstanceRef, 0, len(cis))
	for _, ri := range cis {
		ci, err := d.store.GetResource(ctx, ri)
		if err != nil {
			continue
		}
		refs = append(refs, model.ContentInstanceRef{RI: ri, Size: ci.IntAttr("cs"), CT: ci.CT.UnixNano()})
	}

	plan := model.PlanEviction(refs, mni, mbs)
	for _, ri := range plan.ToEvict {
		if err := d.deleteResourceCascade(ctx, ri); err != nil {
			d.logger.Warn("failed to evict content instance for quota",
				zap.String("ri", ri), zap.Error(err))
		}
	}
}

// retrieve handles RETRIEVE of a single resource (spec.md §4.2).
func (d *Dispatcher) retrieve(ctx context.Context, req *Request, ri string) *Response {
	r, err := d.store.GetResource(ctx, ri)
	if err != nil {
		return d.fail(req, rsc.NotFound)
	}

	policies, err := d.policiesForTarget(ctx, r)
	if err != nil {
		return d.fail(req, rsc.InternalServerError)
	}
	if !d.acpEval.Allow(req.From, acpOperationFor(OpRetrieve), policies) {
		return d.fail(req, rsc.OriginatorHasNoPrivilege)
	}

	return d.success(req, rsc.OK, r)
}

// update handles UPDATE: a partial merge where a nil value deletes the
// attribute (spec.md §3.4), serialized per-ri per spec.md §4.11/
// invariant I6.
func (d *Dispatcher) update(ctx context.Context, req *Request, ri string) *Response {
	lock := d.lockFor(ri)
	lock.Lock()
	defer lock.Unlock()

	existing, err := d.store.GetResource(ctx, ri)
	if err != nil {
		return d.fail(req, rsc.NotFound)
	}

	policies, err := d.policiesForTarget(ctx, existing)
	if err != nil {
		return d.fail(req, rsc.InternalServerError)
	}
	if !d.acpEval.Allow(req.From, acpOperationFor(OpUpdate), policies) {
		return d.fail(req, rsc.OriginatorHasNoPrivilege)
	}

	changed := attrsWithoutUniversal(req.PC)
	if err := model.ValidateUpdate(existing.TY, changed); err != nil {
		return d.fail(req, cseerror.CodeOf(err))
	}

	changedNames := make([]string, 0, len(changed))
	for name, v := range changed {
		changedNames = append(changedNames, name)
		if v == nil {
			existing.DeleteAttr(name)
		} else {
			existing.SetAttr(name, v)
		}
	}
	if lbl, ok := req.PC["lbl"]; ok {
		existing.LBL = stringList(lbl)
	}
	existing.LT = time.Now()

	if err := d.store.UpdateResource(ctx, existing); err != nil {
		return d.fail(req, codeForStoreErr(err))
	}

	d.publish(ctx, eventbus.KindResourceUpdated, existing, changedNames)
	if d.announcement != nil {
		d.announcement.OnResourceUpdated(ctx, existing)
	}

	return d.success(req, rsc.Updated, existing)
}

// delete handles DELETE, cascading to every descendant (spec.md §3.4,
// invariant I2) and firing one post-commit event per removed node.
func (d *Dispatcher) delete(ctx context.Context, req *Request, ri string) *Response {
	existing, err := d.store.GetResource(ctx, ri)
	if err != nil {
		return d.fail(req, rsc.NotFound)
	}

	policies, err := d.policiesForTarget(ctx, existing)
	if err != nil {
		return d.fail(req, rsc.InternalServerError)
	}
	if !d.acpEval.Allow(req.From, acpOperationFor(OpDelete), policies) {
		return d.fail(req, rsc.OriginatorHasNoPrivilege)
	}

	if err := d.deleteResourceCascade(ctx, ri); err != nil {
		return d.fail(req, rsc.InternalServerError)
	}

	return &Response{RSC: rsc.Deleted, RequestID: req.RequestID, From: d.localCSEID, To: req.To, OT: time.Now()}
}

// deleteResourceCascade recursively deletes ri's subtree depth-first,
// publishing a resource.deleted event for every removed node and a
// child.deleted event to its parent's watchers (invariant I2: "cascade
// delete leaves no orphan, and each removed ri subsequently 404s").
func (d *Dispatcher) deleteResourceCascade(ctx context.Context, ri string) error {
	r, err := d.store.GetResource(ctx, ri)
	if err != nil {
		return nil // already gone: deleting a just-evicted sibling is not an error
	}

	children, err := d.store.ChildrenOf(ctx, ri)
	if err == nil {
		for _, childRI := range children {
			if err := d.deleteResourceCascade(ctx, childRI); err != nil {
				d.logger.Warn("cascade delete failed for child",
					zap.String("ri", childRI), zap.Error(err))
			}
		}
	}

	if err := d.store.DeleteResource(ctx, ri); err != nil {
		return err
	}

	d.publish(ctx, eventbus.KindResourceDeleted, r, nil)
	if r.PI != "" {
		d.publish(ctx, eventbus.KindChildDeleted, r, nil)
	}
	if d.announcement != nil {
		d.announcement.OnResourceDeleted(ctx, r)
	}
	return nil
}

// notify handles an inbound NOTIFY primitive: CSE-to-CSE relay of a
// notification, or a polling-channel delivery. Acknowledging receipt is
// all a CSE itself does with it — routing it onward to interested local
// subscribers happens through the Subscription/Notification Engine, which
// consumes the Event Bus independently of this pipeline.
func (d *Dispatcher) notify(ctx context.Context, req *Request, ri string) *Response {
	if _, err := d.store.GetResource(ctx, ri); err != nil {
		return d.fail(req, rsc.NotFound)
	}
	return &Response{RSC: rsc.OK, RequestID: req.RequestID, From: d.localCSEID, To: req.To, OT: time.Now()}
}

// discover handles DISCOVERY: walk rootRI's subtree and return the ri's
// of descendants matching req.FC (round-trip law R3: fu=1/fo=1/fc filter
// exactness). Supports the `ty` and `lbl` filter criteria; other fc.*
// keys are accepted but not yet narrowed on.
func (d *Dispatcher) discover(ctx context.Context, req *Request, rootRI string) *Response {
	root, err := d.store.GetResource(ctx, rootRI)
	if err != nil {
		return d.fail(req, rsc.NotFound)
	}

	policies, err := d.policiesForTarget(ctx, root)
	if err != nil {
		return d.fail(req, rsc.InternalServerError)
	}
	if !d.acpEval.Allow(req.From, acpOperationFor(OpDiscovery), policies) {
		return d.fail(req, rsc.OriginatorHasNoPrivilege)
	}

	var matches []string
	d.walkSubtree(ctx, rootRI, func(r *model.Resource) {
		if r.RI == rootRI {
			return
		}
		if matchesFilterCriteria(r, req.FC) {
			matches = append(matches, r.RI)
		}
	})

	return &Response{
		RSC:       rsc.OK,
		RequestID: req.RequestID,
		PC:        map[string]any{"m2m:uril": matches},
		From:      d.localCSEID,
		To:        req.To,
		OT:        time.Now(),
	}
}

func (d *Dispatcher) walkSubtree(ctx context.Context, ri string, visit func(*model.Resource)) {
	r, err := d.store.GetResource(ctx, ri)
	if err != nil {
		return
	}
	visit(r)

	children, err := d.store.ChildrenOf(ctx, ri)
	if err != nil {
		return
	}
	for _, childRI := range children {
		d.walkSubtree(ctx, childRI, visit)
	}
}

func matchesFilterCriteria(r *model.Resource, fc map[string]any) bool {
	if len(fc) == 0 {
		return true
	}

	if tyFilter, ok := fc["ty"]; ok {
		wanted := toIntSlice(tyFilter)
		found := false
		for _, t := range wanted {
			if model.ResourceType(t) == r.TY {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if lblFilter, ok := fc["lbl"]; ok {
		wanted := toStringSlice(lblFilter)
		found := false
		for _, w := range wanted {
			for _, l := range r.LBL {
				if l == w {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}

	return true
}
