package notification

import (
	"time"

	"github.com/ankraft/acme-cse/internal/model"
)

// FromResource decodes a `<subscription>` model.Resource into the
// engine's working Subscription view (spec.md §4.6's Data section). It
// is the bridge between the generic resource tree and the Subscription
// Engine, letting the Engine stay ignorant of model.Resource's flat
// attribute-map representation.
func FromResource(r *model.Resource) *Subscription {
	sub := &Subscription{
		RI:                      r.RI,
		ParentRI:                r.PI,
		NotificationURIs:        stringListAttr(r, "nu"),
		NotificationContentType: r.IntAttr("nct"),
		SubscriberURI:           r.StringAttr("su"),
		ExpirationCounter:       r.IntAttr("exc"),
		OriginatorACPI:          r.ACPI,
	}

	if nse, ok := r.Attr("nse"); ok {
		if b, ok := nse.(bool); ok {
			sub.StatsEnabled = b
		}
	}

	if enc, ok := r.Attr("enc"); ok {
		if encMap, ok := enc.(map[string]any); ok {
			sub.EventTypes = netListAttr(encMap["net"])
			sub.AttributeFilter = stringSliceAny(encMap["atr"])
		}
	}

	if bn, ok := r.Attr("bn"); ok {
		if bnMap, ok := bn.(map[string]any); ok {
			sub.Batch = &BatchPolicy{
				Num: toIntAny(bnMap["num"]),
				Dur: time.Duration(toIntAny(bnMap["dur"])) * time.Second,
			}
		}
	}

	return sub
}

func stringListAttr(r *model.Resource, name string) []string {
	v, ok := r.Attr(name)
	if !ok {
		return nil
	}
	return stringSliceAny(v)
}

func stringSliceAny(v any) []string {
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

func netListAttr(v any) []NET {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]NET, 0, len(list))
	for _, item := range list {
		out = append(out, NET(toIntAny(item)))
	}
	return out
}

func toIntAny(v any) int {
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
