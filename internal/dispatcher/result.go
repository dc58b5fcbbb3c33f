package dispatcher

import (
	"time"

	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/rsc"
)

// Result content values (spec.md §6.3's rcn enumeration).
const (
	RCNNothing                  = 0
	RCNAttributes               = 1
	RCNHierarchicalAddress      = 2
	RCNHierarchicalAddressAttrs = 3
	RCNAttributesChildResources = 4
	RCNAttributesChildRefs      = 5
	RCNChildRefs                = 6
	RCNOriginalResource         = 7
	RCNChildResources           = 8
	RCNModifiedAttributes       = 9
	RCNSemanticContent          = 10
	RCNSemanticChildren         = 11
	RCNPermissions              = 12
)

// success builds a normalized Response for resource r, shaping pc per
// req.RCN. Only the rcn values with a direct CRUD meaning are
// differentiated; the FlexContainer semantic-annotation and permission-
// introspection variants (10-12) fall back to the plain attribute
// projection since those features are out of scope (spec.md Non-goals).
func (d *Dispatcher) success(req *Request, code rsc.Code, r *model.Resource) *Response {
	resp := &Response{RSC: code, RequestID: req.RequestID, From: d.localCSEID, To: req.To, OT: time.Now()}

	switch req.RCN {
	case RCNNothing:
		return resp
	case RCNHierarchicalAddress:
		resp.PC = map[string]any{"pi": r.PI, "ri": r.RI}
	default:
		resp.PC = resourceToMap(r)
		if names, ok := req.FC["attributes"]; ok {
			resp.PC = projectAttributes(resp.PC, toStringSlice(names))
		}
	}
	return resp
}

// resourceToMap flattens a resource's universal and type-specific
// attributes into one namespace, the mirror image of attrsWithoutUniversal
// applied on the way in.
func resourceToMap(r *model.Resource) map[string]any {
	out := make(map[string]any, len(r.Attrs)+8)
	for k, v := range r.Attrs {
		out[k] = v
	}
	out["ri"] = r.RI
	out["rn"] = r.RN
	out["pi"] = r.PI
	out["ty"] = int(r.TY)
	out["ct"] = r.CT
	out["lt"] = r.LT
	if r.ET != nil {
		out["et"] = *r.ET
	}
	if len(r.LBL) > 0 {
		out["lbl"] = r.LBL
	}
	if len(r.ACPI) > 0 {
		out["acpi"] = r.ACPI
	}
	return out
}

// projectAttributes implements the partial-retrieve Open Question
// decision recorded in DESIGN.md: a named attribute-name list filter
// rather than JSON-Patch, since the attribute-policy table already gives
// a name→value projection for free.
func projectAttributes(full map[string]any, names []string) map[string]any {
	if len(names) == 0 {
		return full
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := full[name]; ok {
			out[name] = v
		}
	}
	return out
}
