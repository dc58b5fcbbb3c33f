package notification

import (
	"context"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/storage"
)

// netForEventKind maps the dispatcher's eventbus.Kind to the oneM2M NET
// code a subscription's enc.net filters against.
func netForEventKind(kind eventbus.Kind) NET {
	switch kind {
	case eventbus.KindResourceUpdated:
		return NETUpdateOfResource
	case eventbus.KindResourceDeleted:
		return NETDeleteOfResource
	case eventbus.KindChildCreated:
		return NETCreateOfDirectChild
	case eventbus.KindChildDeleted:
		return NETDeleteOfDirectChild
	default:
		return 0
	}
}

// Matcher selects, and attribute-filters, the subscriptions that should be
// notified of an event (spec.md §4.6: "apply attribute-level filter (if
// present) and per-originator filter").
type Matcher struct {
	index   *Index
	store   storage.Store
	acpEval *acp.Evaluator
}

// NewMatcher constructs a Matcher backed by index. store and acpEval
// resolve a subscription's acpi for the per-originator filter; either may
// be nil, in which case that filter is skipped (matching pre-ACP
// subscriptions and tests that don't set acpi).
func NewMatcher(index *Index, store storage.Store, acpEval *acp.Evaluator) *Matcher {
	return &Matcher{index: index, store: store, acpEval: acpEval}
}

// Match returns the subscriptions that watch for event's NET and pass the
// attribute filter and the per-originator filter.
func (m *Matcher) Match(ctx context.Context, event *eventbus.Event) []*Subscription {
	net := netForEventKind(event.Kind)
	if net == 0 {
		return nil
	}

	var candidates []*Subscription
	switch net {
	case NETUpdateOfResource, NETDeleteOfResource:
		candidates = m.index.ByTarget(event.ResourceRI)
	case NETCreateOfDirectChild, NETDeleteOfDirectChild:
		candidates = m.index.ByParent(event.ParentRI)
	}

	matched := make([]*Subscription, 0, len(candidates))
	for _, sub := range candidates {
		if !sub.HasEventType(net) {
			continue
		}
		if !matchesAttributeFilter(sub, event) {
			continue
		}
		if !m.matchesOriginatorFilter(ctx, sub, event) {
			continue
		}
		matched = append(matched, sub)
	}
	recordMatched(net, len(matched))
	return matched
}

// matchesOriginatorFilter applies the subscription's own acpi as a
// per-originator filter on the event's originator (spec.md §4.6). A
// subscription with no acpi is unrestricted, and so is every subscription
// when the Matcher has no store/evaluator wired (e.g. unit tests that
// construct subscriptions directly).
func (m *Matcher) matchesOriginatorFilter(ctx context.Context, sub *Subscription, event *eventbus.Event) bool {
	if m.store == nil || m.acpEval == nil || len(sub.OriginatorACPI) == 0 {
		return true
	}
	policies := m.policiesForACPI(ctx, sub.OriginatorACPI)
	return m.acpEval.Allow(event.Originator, acp.OpNotify, policies)
}

// policiesForACPI loads and converts the ACP resources referenced by
// acpiList, mirroring the dispatcher's own acpi-resolution helper since
// importing the dispatcher package here would create an import cycle.
// Entries that fail to load are skipped rather than failing the match.
func (m *Matcher) policiesForACPI(ctx context.Context, acpiList []string) []acp.Policy {
	policies := make([]acp.Policy, 0, len(acpiList))
	for _, acpRI := range acpiList {
		r, err := m.store.GetResource(ctx, acpRI)
		if err != nil {
			continue
		}
		policies = append(policies, acpPolicyFromResource(r))
	}
	return policies
}

// acpPolicyFromResource converts an ACP resource's `pv` attribute into an
// acp.Policy, the same conversion the dispatcher applies when evaluating
// ordinary request privileges.
func acpPolicyFromResource(r *model.Resource) acp.Policy {
	policy := acp.Policy{RI: r.RI}

	pv, ok := r.Attr("pv")
	pvMap, isMap := pv.(map[string]any)
	if !ok || !isMap {
		return policy
	}

	rawRules, ok := pvMap["acr"]
	rules, isList := rawRules.([]any)
	if !ok || !isList {
		return policy
	}

	for _, raw := range rules {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		policy.Privileges = append(policy.Privileges, acp.PrivilegeRule{
			Originators: stringSliceAny(entry["acor"]),
			Acop:        acp.Operation(toIntAny(entry["acop"])),
		})
	}
	return policy
}

// matchesAttributeFilter reports whether event touches at least one
// attribute the subscription cares about. An empty filter matches
// everything (no attribute-level narrowing configured).
func matchesAttributeFilter(sub *Subscription, event *eventbus.Event) bool {
	if len(sub.AttributeFilter) == 0 || len(event.Changed) == 0 {
		return true
	}
	wanted := make(map[string]bool, len(sub.AttributeFilter))
	for _, a := range sub.AttributeFilter {
		wanted[a] = true
	}
	for _, changed := range event.Changed {
		if wanted[changed] {
			return true
		}
	}
	return false
}
