package dispatcher

import (
	"context"
	"time"

	"github.com/ankraft/acme-cse/internal/model"
)

// DeleteAsAdmin implements expiration.Deleter: the TTL sweeper's cascade
// delete bypasses ACP evaluation entirely, since the admin originator is
// by definition allowed everywhere (spec.md §4.9: "Deletion goes through
// the Dispatcher path ... using the admin originator").
func (d *Dispatcher) DeleteAsAdmin(ctx context.Context, ri string) error {
	return d.deleteResourceCascade(ctx, ri)
}

// PurgeRequestsOlderThan implements expiration.RequestPurger: it removes
// `<request>` resources (the statistics/audit log of past primitives,
// spec.md §6.4) older than maxAge, scoped to the CSE's own `<request>`
// children.
func (d *Dispatcher) PurgeRequestsOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	if d.cseBaseRI == "" {
		return 0, nil
	}
	ris, err := d.store.ChildrenOfType(ctx, d.cseBaseRI, model.TypeRequest)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	purged := 0
	for _, ri := range ris {
		r, err := d.store.GetResource(ctx, ri)
		if err != nil {
			continue
		}
		if r.CT.Before(cutoff) {
			if err := d.store.DeleteResource(ctx, ri); err != nil {
				continue
			}
			purged++
		}
	}
	return purged, nil
}
