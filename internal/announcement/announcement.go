// Package announcement implements the Announcement Manager (spec.md
// §4.8): resources flagged announceable are mirrored to peer CSEs as
// `<...Annc>` resources, kept in sync on UPDATE, and removed on DELETE.
package announcement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
)

// PendingAnnouncement is one outstanding mirror operation against one
// target CSE, queued for retry when the peer is unreachable.
type PendingAnnouncement struct {
	ResourceRI string
	TargetCSI  string
	Op         Operation
	Attrs      map[string]any // filtered per `aa` for CREATE/UPDATE; unused for DELETE
}

// Operation identifies which CRUD operation to mirror.
type Operation int

const (
	OpAnnounceCreate Operation = iota
	OpAnnounceUpdate
	OpAnnounceDelete
)

// Peer performs the remote CREATE/UPDATE/DELETE of an `<...Annc>`
// resource. The Dispatcher or a binding adapter supplies this.
type Peer interface {
	Announce(ctx context.Context, targetCSI string, op Operation, resourceRI string, attrs map[string]any) error
}

// Manager tracks announceable resources and retries unreachable peers on
// a tick, grounded on internal/workers's ticker-driven retry shape.
type Manager struct {
	peer                   Peer
	logger                 *logging.Logger
	delayAfterRegistration time.Duration

	pending []PendingAnnouncement
}

// NewManager constructs a Manager. delayAfterRegistration is spec.md
// §4.8's "Announcements delayed by delayAfterRegistration seconds after
// the peer first registers".
func NewManager(peer Peer, delayAfterRegistration time.Duration, logger *logging.Logger) *Manager {
	return &Manager{peer: peer, delayAfterRegistration: delayAfterRegistration, logger: logger}
}

// AnnounceableTargets extracts the `at` attribute (target CSE-IDs) from a
// resource's announceable flag. Returns nil if the resource carries no
// `at` attribute.
func AnnounceableTargets(r *model.Resource) []string {
	raw, ok := r.Attr("at")
	if !ok {
		return nil
	}
	list, ok := raw.([]string)
	if !ok {
		return nil
	}
	return list
}

// FilterAnnouncedAttributes keeps only the attributes listed in `aa`
// (spec.md §4.8: "Per-attribute aa controls which attributes are
// mirrored"). An empty/absent `aa` mirrors every non-universal attribute.
func FilterAnnouncedAttributes(r *model.Resource) map[string]any {
	raw, ok := r.Attr("aa")
	allowed, isList := raw.([]string)
	if !ok || !isList || len(allowed) == 0 {
		out := make(map[string]any, len(r.Attrs))
		for k, v := range r.Attrs {
			out[k] = v
		}
		return out
	}

	out := make(map[string]any, len(allowed))
	for _, attr := range allowed {
		if v, ok := r.Attrs[attr]; ok {
			out[attr] = v
		}
	}
	return out
}

// OnResourceCreated schedules CREATE mirrors for every target in `at`,
// honoring delayAfterRegistration before the first attempt.
func (m *Manager) OnResourceCreated(ctx context.Context, r *model.Resource) {
	targets := AnnounceableTargets(r)
	if len(targets) == 0 {
		return
	}
	attrs := FilterAnnouncedAttributes(r)

	if m.delayAfterRegistration > 0 {
		timer := time.NewTimer(m.delayAfterRegistration)
		go func() {
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				m.announceToAll(ctx, r.RI, targets, OpAnnounceCreate, attrs)
			}
		}()
		return
	}
	m.announceToAll(ctx, r.RI, targets, OpAnnounceCreate, attrs)
}

// OnResourceUpdated re-mirrors the filtered attribute set to every
// announced target.
func (m *Manager) OnResourceUpdated(ctx context.Context, r *model.Resource) {
	targets := AnnounceableTargets(r)
	if len(targets) == 0 {
		return
	}
	m.announceToAll(ctx, r.RI, targets, OpAnnounceUpdate, FilterAnnouncedAttributes(r))
}

// OnResourceDeleted removes the `<...Annc>` mirror from every target.
func (m *Manager) OnResourceDeleted(ctx context.Context, r *model.Resource) {
	targets := AnnounceableTargets(r)
	if len(targets) == 0 {
		return
	}
	m.announceToAll(ctx, r.RI, targets, OpAnnounceDelete, nil)
}

func (m *Manager) announceToAll(ctx context.Context, ri string, targets []string, op Operation, attrs map[string]any) {
	for _, target := range targets {
		if err := m.peer.Announce(ctx, target, op, ri, attrs); err != nil {
			m.logger.Warn("announcement delivery failed, queued for retry",
				zap.String("resource_ri", ri), zap.String("target_csi", target), zap.Error(err))
			m.pending = append(m.pending, PendingAnnouncement{ResourceRI: ri, TargetCSI: target, Op: op, Attrs: attrs})
		}
	}
}

// RetryTick re-attempts every pending announcement, dropping any that now
// succeed. Intended to be registered as an eventbus.Job run on
// cse.announcements.checkInterval (spec.md §4.8: "Failure modes: target
// unreachable → retry at next announcement-check tick").
func (m *Manager) RetryTick(ctx context.Context) error {
	if len(m.pending) == 0 {
		return nil
	}

	still := m.pending[:0]
	for _, p := range m.pending {
		if err := m.peer.Announce(ctx, p.TargetCSI, p.Op, p.ResourceRI, p.Attrs); err != nil {
			m.logger.Warn("retried announcement still failing",
				zap.String("resource_ri", p.ResourceRI), zap.String("target_csi", p.TargetCSI), zap.Error(err))
			still = append(still, p)
			continue
		}
	}
	m.pending = still

	if len(still) > 0 {
		return fmt.Errorf("%d announcements still pending delivery", len(still))
	}
	return nil
}
