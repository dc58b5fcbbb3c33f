package dispatcher

import (
	"context"
	"strings"

	"github.com/ankraft/acme-cse/internal/cseerror"
	"github.com/ankraft/acme-cse/internal/model"
)

// Virtual-child suffixes a target address can end in (spec.md §3.2/§4.4/
// §9): these are "computed, never stored" resources, so they are never
// indexed as an srn and must be resolved before the normal target lookup
// treats the path as a literal ri.
const (
	virtualSuffixLatest            = "/la"
	virtualSuffixOldest            = "/ol"
	virtualSuffixPollingChannelURI = "/pcu"
)

var virtualSuffixes = []string{virtualSuffixLatest, virtualSuffixOldest, virtualSuffixPollingChannelURI}

// splitVirtualSuffix reports whether target ends in a virtual-child
// suffix, returning the stripped parent address and the matched suffix.
func splitVirtualSuffix(target string) (parent, suffix string, ok bool) {
	for _, s := range virtualSuffixes {
		if strings.HasSuffix(target, s) {
			return strings.TrimSuffix(target, s), s, true
		}
	}
	return target, "", false
}

// resolveVirtualChild computes the ri a virtual suffix resolves to under
// parentRI. la/ol are the Container's most/least recently created
// ContentInstance child (spec.md §9: "latest/oldest ContentInstance...
// computed, never stored"); pcu is the parent's own PollingChannel child,
// used for long-polling retrieval rather than a stored subresource.
func (d *Dispatcher) resolveVirtualChild(ctx context.Context, parentRI, suffix string) (string, error) {
	ty := model.TypeContentInstance
	if suffix == virtualSuffixPollingChannelURI {
		ty = model.TypePollingChannel
	}

	children, err := d.store.ChildrenOfType(ctx, parentRI, ty)
	if err != nil {
		return "", err
	}
	if len(children) == 0 {
		return "", cseerror.NotFound("no " + ty.String() + " children to resolve virtual suffix " + suffix)
	}

	switch suffix {
	case virtualSuffixOldest:
		return children[0], nil
	default: // virtualSuffixLatest, virtualSuffixPollingChannelURI
		return children[len(children)-1], nil
	}
}
