package model

import (
	"fmt"
	"time"

	"github.com/ankraft/acme-cse/internal/cseerror"
)

// Cardinality describes whether an attribute is mandatory, optional, or
// not permitted for a given operation (spec.md §4.4).
type Cardinality string

const (
	Mandatory    Cardinality = "M"
	OptionalAttr Cardinality = "O"
	NotPermitted Cardinality = "NP"
)

// AttrType is the set of attribute value types the policy table can
// validate (spec.md §4.4's validation rules list).
type AttrType string

const (
	AttrPositiveInteger AttrType = "positiveInteger"
	AttrNonNegInteger   AttrType = "nonNegInteger"
	AttrUnsignedInt     AttrType = "unsignedInt"
	AttrString          AttrType = "string"
	AttrTimestamp       AttrType = "timestamp"
	AttrDuration        AttrType = "duration"
	AttrList            AttrType = "list"
	AttrDict            AttrType = "dict"
	AttrAnyURI          AttrType = "anyURI"
	AttrBoolean         AttrType = "boolean"
	AttrFloat           AttrType = "float"
	AttrGeoCoordinates  AttrType = "geoCoordinates"
	AttrEnumeration     AttrType = "enumeration"
)

// AttributePolicy is one row of the per-type attribute policy table:
// the single source of truth that drives validation instead of
// hand-written per-field validators (spec.md §9).
type AttributePolicy struct {
	ShortName     string
	Type          AttrType
	CreateOpt     Cardinality
	UpdateOpt     Cardinality
	DiscoveryOpt  Cardinality
	Announce      bool
	EnumRanges    [][2]int // for AttrEnumeration, inclusive [lo,hi] ranges
	ApplicableTo  []ResourceType
}

// Policies is the attribute-policy table, loaded once at startup and
// extensible by additional FlexContainer specializations. It is
// deliberately data, not code: adding a resource type means adding a row,
// not a new validator function.
var Policies = map[ResourceType]map[string]AttributePolicy{
	TypeCSEBase: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: Mandatory},
		"csi": {ShortName: "csi", Type: AttrString, CreateOpt: Mandatory},
		"cst": {ShortName: "cst", Type: AttrEnumeration, CreateOpt: Mandatory, EnumRanges: [][2]int{{1, 3}}},
	},
	TypeAE: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: OptionalAttr},
		"api": {ShortName: "api", Type: AttrString, CreateOpt: Mandatory},
		"aei": {ShortName: "aei", Type: AttrString, CreateOpt: NotPermitted},
		"rr":  {ShortName: "rr", Type: AttrBoolean, CreateOpt: Mandatory, UpdateOpt: OptionalAttr},
		"srv": {ShortName: "srv", Type: AttrList, CreateOpt: Mandatory},
		"poa": {ShortName: "poa", Type: AttrList, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
	},
	TypeContainer: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: OptionalAttr},
		"mni": {ShortName: "mni", Type: AttrPositiveInteger, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
		"mbs": {ShortName: "mbs", Type: AttrPositiveInteger, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
		"mia": {ShortName: "mia", Type: AttrPositiveInteger, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
		"cni": {ShortName: "cni", Type: AttrNonNegInteger, CreateOpt: NotPermitted},
		"cbs": {ShortName: "cbs", Type: AttrNonNegInteger, CreateOpt: NotPermitted},
		"la":  {ShortName: "la", Type: AttrString, CreateOpt: NotPermitted},
		"ol":  {ShortName: "ol", Type: AttrString, CreateOpt: NotPermitted},
	},
	TypeContentInstance: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: OptionalAttr},
		"cnf": {ShortName: "cnf", Type: AttrString, CreateOpt: OptionalAttr},
		"con": {ShortName: "con", Type: AttrString, CreateOpt: Mandatory, UpdateOpt: NotPermitted},
		"cs":  {ShortName: "cs", Type: AttrNonNegInteger, CreateOpt: NotPermitted},
	},
	TypeSubscription: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: OptionalAttr},
		"enc": {ShortName: "enc", Type: AttrDict, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
		"nu":  {ShortName: "nu", Type: AttrList, CreateOpt: Mandatory, UpdateOpt: OptionalAttr},
		"nct": {ShortName: "nct", Type: AttrEnumeration, CreateOpt: OptionalAttr, EnumRanges: [][2]int{{1, 3}}},
		"bn":  {ShortName: "bn", Type: AttrDict, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
		"su":  {ShortName: "su", Type: AttrAnyURI, CreateOpt: OptionalAttr},
		"exc": {ShortName: "exc", Type: AttrPositiveInteger, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
		"nse": {ShortName: "nse", Type: AttrBoolean, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
	},
	TypeGroup: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: OptionalAttr},
		"mt":  {ShortName: "mt", Type: AttrEnumeration, CreateOpt: OptionalAttr},
		"mid": {ShortName: "mid", Type: AttrList, CreateOpt: Mandatory, UpdateOpt: OptionalAttr},
		"mnm": {ShortName: "mnm", Type: AttrPositiveInteger, CreateOpt: OptionalAttr},
		"mtv": {ShortName: "mtv", Type: AttrBoolean, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
		"csy": {ShortName: "csy", Type: AttrEnumeration, CreateOpt: OptionalAttr, EnumRanges: [][2]int{{1, 3}}},
	},
	TypeACP: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: OptionalAttr},
		"pv":  {ShortName: "pv", Type: AttrDict, CreateOpt: Mandatory, UpdateOpt: OptionalAttr},
		"pvs": {ShortName: "pvs", Type: AttrDict, CreateOpt: Mandatory, UpdateOpt: OptionalAttr},
	},
	TypeRemoteCSE: {
		"rn":  {ShortName: "rn", Type: AttrString, CreateOpt: OptionalAttr},
		"csi": {ShortName: "csi", Type: AttrString, CreateOpt: Mandatory},
		"cst": {ShortName: "cst", Type: AttrEnumeration, CreateOpt: Mandatory, EnumRanges: [][2]int{{1, 3}}},
		"poa": {ShortName: "poa", Type: AttrList, CreateOpt: Mandatory, UpdateOpt: OptionalAttr},
		"rr":  {ShortName: "rr", Type: AttrBoolean, CreateOpt: OptionalAttr, UpdateOpt: OptionalAttr},
	},
}

// universalPolicy validates the attributes present on every resource type
// (spec.md §3.2: ri, rn, pi, ty, ct, lt, et, lbl, acpi).
func validateUniversal(r *Resource) error {
	if r.RN == "" {
		return cseerror.BadRequest("rn is mandatory")
	}
	if r.ET != nil && r.LT.After(*r.ET) {
		return cseerror.BadRequest("lt must not be after et")
	}
	if r.CT.After(r.LT) {
		return cseerror.BadRequest("ct must not be after lt")
	}
	return nil
}

// ValidateCreate checks r's type-specific attributes against the policy
// table for a CREATE operation, then applies universal invariants.
func ValidateCreate(r *Resource) error {
	if err := validateUniversal(r); err != nil {
		return err
	}
	policy, ok := Policies[r.TY]
	if !ok {
		return cseerror.BadRequest(fmt.Sprintf("unsupported resource type %d", r.TY))
	}
	for name, p := range policy {
		v, present := r.Attr(name)
		switch p.CreateOpt {
		case Mandatory:
			if !present {
				return cseerror.BadRequest(fmt.Sprintf("attribute %q is mandatory on create for %s", name, r.TY))
			}
		case NotPermitted:
			if present {
				return cseerror.BadRequest(fmt.Sprintf("attribute %q is not permitted on create for %s", name, r.TY))
			}
		}
		if present {
			if err := validateAttrType(name, p, v); err != nil {
				return err
			}
		}
	}
	for name := range r.Attrs {
		if _, known := policy[name]; !known {
			return cseerror.BadRequest(fmt.Sprintf("unknown attribute %q for resource type %s", name, r.TY))
		}
	}
	return nil
}

// ValidateUpdate checks a partial-merge UPDATE's attribute set (spec.md
// §3.4: present attributes replace, attributes explicitly set to nil mean
// "delete this attribute").
func ValidateUpdate(ty ResourceType, changed map[string]any) error {
	policy, ok := Policies[ty]
	if !ok {
		return cseerror.BadRequest(fmt.Sprintf("unsupported resource type %d", ty))
	}
	for name, v := range changed {
		p, known := policy[name]
		if !known {
			return cseerror.BadRequest(fmt.Sprintf("unknown attribute %q for resource type %s", name, ty))
		}
		if p.UpdateOpt == NotPermitted {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q is not permitted on update for %s", name, ty))
		}
		if v == nil {
			continue // deletion is always allowed for updatable attributes
		}
		if err := validateAttrType(name, p, v); err != nil {
			return err
		}
	}
	return nil
}

func validateAttrType(name string, p AttributePolicy, v any) error {
	switch p.Type {
	case AttrPositiveInteger:
		n, ok := toInt(v)
		if !ok || n <= 0 {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be a positive integer", name))
		}
	case AttrNonNegInteger, AttrUnsignedInt:
		n, ok := toInt(v)
		if !ok || n < 0 {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be a non-negative integer", name))
		}
	case AttrBoolean:
		if _, ok := v.(bool); !ok {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be a boolean", name))
		}
	case AttrString, AttrAnyURI:
		if _, ok := v.(string); !ok {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be a string", name))
		}
	case AttrTimestamp:
		s, ok := v.(string)
		if !ok {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be a timestamp string", name))
		}
		if _, err := time.Parse("20060102T150405", s); err != nil {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q is not a valid oneM2M basic timestamp", name))
		}
	case AttrList:
		if !isList(v) {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be a list", name))
		}
	case AttrDict:
		if _, ok := v.(map[string]any); !ok {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be an object", name))
		}
	case AttrEnumeration:
		n, ok := toInt(v)
		if !ok {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q must be an integer enumeration value", name))
		}
		if len(p.EnumRanges) > 0 && !inRanges(n, p.EnumRanges) {
			return cseerror.BadRequest(fmt.Sprintf("attribute %q value %d is out of range", name, n))
		}
	case AttrFloat, AttrGeoCoordinates, AttrDuration:
		// accepted as opaque values; deeper validation is resource-type specific
		// and left to the concrete resource constructors.
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string, []int:
		return true
	}
	return false
}

func inRanges(n int, ranges [][2]int) bool {
	for _, r := range ranges {
		if n >= r[0] && n <= r[1] {
			return true
		}
	}
	return false
}
