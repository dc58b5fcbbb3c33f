package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/rsc"
	"github.com/ankraft/acme-cse/internal/storage"
)

// universalAttrNames are the attributes carried on every Resource as
// dedicated fields rather than in Attrs, so create()/update() must strip
// them out of the incoming flat attribute map before handing the rest to
// the type-specific policy table.
var universalAttrNames = map[string]bool{
	"ri": true, "rn": true, "pi": true, "ty": true,
	"ct": true, "lt": true, "et": true, "lbl": true, "acpi": true,
}

func attrsWithoutUniversal(pc map[string]any) map[string]any {
	out := make(map[string]any, len(pc))
	for k, v := range pc {
		if !universalAttrNames[k] {
			out[k] = v
		}
	}
	return out
}

func generateRI(ty model.ResourceType) string {
	return ty.String() + "-" + uuid.NewString()
}

func generateRN(ty model.ResourceType) string {
	return ty.String() + "_" + uuid.NewString()[:8]
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toIntAttr(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toIntSlice(v any) []int {
	switch list := v.(type) {
	case []int:
		return list
	case []any:
		out := make([]int, 0, len(list))
		for _, item := range list {
			out = append(out, toIntAttr(item))
		}
		return out
	default:
		return nil
	}
}

func toStringSlice(v any) []string {
	return stringList(v)
}

func parseTimestampAttr(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

func codeForStoreErr(err error) rsc.Code {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return rsc.NotFound
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, storage.ErrSRNConflict):
		return rsc.Conflict
	default:
		return rsc.InternalServerError
	}
}

// policiesForACPI loads and converts the ACP resources referenced by
// acpiList (spec.md §4.3: "Collect ACPs referenced by target's acpi").
// Entries that fail to load are skipped rather than failing the whole
// check, the same tolerant-lookup style storage's sibling-name check uses.
func (d *Dispatcher) policiesForACPI(ctx context.Context, acpiList []string) ([]acp.Policy, error) {
	policies := make([]acp.Policy, 0, len(acpiList))
	for _, acpRI := range acpiList {
		r, err := d.store.GetResource(ctx, acpRI)
		if err != nil {
			continue
		}
		policies = append(policies, acpPolicyFromResource(r))
	}
	return policies, nil
}

// policiesForTarget loads target's own acpi, inheriting from its parent
// when target carries none (spec.md §4.3: "If absent, inherit from
// parent").
func (d *Dispatcher) policiesForTarget(ctx context.Context, target *model.Resource) ([]acp.Policy, error) {
	acpiList := target.ACPI
	if len(acpiList) == 0 && target.PI != "" {
		if parent, err := d.store.GetResource(ctx, target.PI); err == nil {
			acpiList = parent.ACPI
		}
	}
	return d.policiesForACPI(ctx, acpiList)
}

// acpPolicyFromResource converts an ACP resource's `pv` attribute (the
// privilege set enforced on non-owner operations) into an acp.Policy.
// `pvs` (self-privileges, governing who may modify the ACP itself) is not
// consulted here since it only applies to operations against the ACP
// resource's own ri, handled like any other resource's acpi.
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
			Originators: stringList(entry["acor"]),
			Acop:        acp.Operation(toIntAttr(entry["acop"])),
		})
	}
	return policy
}

// acpOperationFor maps a dispatcher Operation to its acop bit.
func acpOperationFor(op Operation) acp.Operation {
	switch op {
	case OpCreate:
		return acp.OpCreate
	case OpRetrieve:
		return acp.OpRetrieve
	case OpUpdate:
		return acp.OpUpdate
	case OpDelete:
		return acp.OpDelete
	case OpNotify:
		return acp.OpNotify
	case OpDiscovery:
		return acp.OpDiscovery
	default:
		return 0
	}
}
