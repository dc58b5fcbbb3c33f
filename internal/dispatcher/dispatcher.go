package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/cseerror"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/group"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/registration"
	"github.com/ankraft/acme-cse/internal/rsc"
	"github.com/ankraft/acme-cse/internal/storage"
)

// fanOutSuffix marks a request addressed at a <group> resource's virtual
// fan-out point rather than the group resource itself (spec.md §4.7).
const fanOutSuffix = "/fopt"

// AnnouncementHooks lets the Dispatcher notify the Announcement Manager
// of committed mutations without importing it directly (avoids a cycle;
// internal/announcement has no dependency back on the dispatcher).
type AnnouncementHooks interface {
	OnResourceCreated(ctx context.Context, r *model.Resource)
	OnResourceUpdated(ctx context.Context, r *model.Resource)
	OnResourceDeleted(ctx context.Context, r *model.Resource)
}

// Dispatcher is the Request dispatcher & protocol-agnostic request
// pipeline (spec.md §4.2): a parse→validate→authorize→execute→respond
// decomposition exposed as a single binding-agnostic Process method, so
// every wire protocol funnels through the same request handling.
type Dispatcher struct {
	store        storage.Store
	acpEval      *acp.Evaluator
	bus          eventbus.Bus
	registry     *registration.Registry
	localCSEID   string
	cseBaseRI    string
	announcement AnnouncementHooks
	logger       *logging.Logger

	supportedReleaseVersions map[string]bool
	allowPatchForDelete      bool

	riLocks   sync.Map // ri -> *sync.Mutex, lazily allocated (spec.md §4.11)
	adminOrig string

	groupMgr *group.Manager
}

// Config bundles the Dispatcher's construction-time dependencies.
type Config struct {
	Store                    storage.Store
	ACPEvaluator             *acp.Evaluator
	Bus                      eventbus.Bus
	Registry                 *registration.Registry
	LocalCSEID               string
	CSEBaseRI                string
	AdminOriginator          string
	SupportedReleaseVersions []string
	AllowPatchForDelete      bool
	Announcement             AnnouncementHooks
	Logger                   *logging.Logger
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	versions := make(map[string]bool, len(cfg.SupportedReleaseVersions))
	for _, v := range cfg.SupportedReleaseVersions {
		versions[v] = true
	}
	d := &Dispatcher{
		store:                    cfg.Store,
		acpEval:                  cfg.ACPEvaluator,
		bus:                      cfg.Bus,
		registry:                 cfg.Registry,
		localCSEID:               cfg.LocalCSEID,
		cseBaseRI:                cfg.CSEBaseRI,
		announcement:             cfg.Announcement,
		logger:                   cfg.Logger,
		supportedReleaseVersions: versions,
		allowPatchForDelete:      cfg.AllowPatchForDelete,
		adminOrig:                cfg.AdminOriginator,
	}
	// The Dispatcher satisfies group.MemberDispatcher/MemberLookup itself
	// (group_adapter.go), so /fopt fan-out re-enters the same Process
	// pipeline per member instead of duplicating CRUD logic.
	d.groupMgr = group.NewManager(d, d)
	return d
}

// Process runs the full 11-step pipeline from spec.md §4.2 and returns a
// normalized Response. It never returns a Go error — every failure mode
// is represented as an RSC in the Response, matching spec.md §7's
// "Dispatcher converts [structured errors] to canonical responses".
func (d *Dispatcher) Process(ctx context.Context, req *Request) *Response {
	now := time.Now()

	// 1. Deadline check.
	if !req.RQET.IsZero() && req.RQET.Before(now) {
		return d.fail(req, rsc.RequestTimeout)
	}

	// 2. Target resolution.
	targetCSI := registration.ParseTargetCSI(req.To)
	parsed := model.ParseAddress(req.To)

	// 3. Transit decision.
	if targetCSI != "" && targetCSI != d.localCSEID {
		return d.forward(ctx, req, targetCSI)
	}

	// 4. Release-version check. A missing X-M2M-RVI is rejected the same
	// as an unsupported one (spec.md §6.1 lists it as a required header;
	// §4.2 step 4: "rvi must be in supportedReleaseVersions, else
	// RSC=4001") rather than silently passing through.
	if len(d.supportedReleaseVersions) > 0 && !d.supportedReleaseVersions[req.RVI] {
		return d.fail(req, rsc.ReleaseVersionNotSupported)
	}

	// 5. Deserialize pc — the binding adapter has already produced req.PC
	// as a map; a malformed payload would have failed there with 4000.

	isFanOut := strings.HasSuffix(parsed.Target, fanOutSuffix)
	if isFanOut {
		parsed.Target = strings.TrimSuffix(parsed.Target, fanOutSuffix)
	}

	parentTarget, virtualSuffix, isVirtual := splitVirtualSuffix(parsed.Target)
	if isVirtual {
		parsed.Target = parentTarget
	}

	ri, err := d.resolveLocalTarget(ctx, parsed)
	if err != nil {
		return d.fail(req, rsc.NotFound)
	}

	if isFanOut {
		return d.fanOut(ctx, req, ri)
	}

	if isVirtual {
		if req.Operation != OpRetrieve {
			return d.fail(req, rsc.OperationNotAllowed)
		}
		childRI, err := d.resolveVirtualChild(ctx, ri, virtualSuffix)
		if err != nil {
			return d.fail(req, cseerror.CodeOf(err))
		}
		ri = childRI
	}

	switch req.Operation {
	case OpCreate:
		return d.create(ctx, req, ri)
	case OpRetrieve:
		return d.retrieve(ctx, req, ri)
	case OpUpdate:
		return d.update(ctx, req, ri)
	case OpDelete:
		return d.delete(ctx, req, ri)
	case OpNotify:
		return d.notify(ctx, req, ri)
	case OpDiscovery:
		return d.discover(ctx, req, ri)
	default:
		return d.fail(req, rsc.BadRequest)
	}
}

// resolveLocalTarget maps a parsed "to" address to a local ri, resolving
// a structured path through storage when the address carries an srn
// rather than a bare ri.
func (d *Dispatcher) resolveLocalTarget(ctx context.Context, parsed model.ParsedAddress) (string, error) {
	target := parsed.Target
	if target == "" {
		return "", cseerror.NotFound("empty target address")
	}
	if ri, err := d.store.ResolveSRN(ctx, target); err == nil {
		return ri, nil
	}
	// Not a known srn: treat the target as a bare ri and let the caller's
	// GetResource call surface 4004 if it doesn't exist.
	return target, nil
}

// forward relays a request whose target resolves to a known remote CSE,
// preserving rqi per spec.md invariant I7.
func (d *Dispatcher) forward(ctx context.Context, req *Request, targetCSI string) *Response {
	peer, err := d.registry.Get(targetCSI)
	if err != nil {
		return d.fail(req, rsc.RemoteEntityNotReachable)
	}

	decision, err := registration.Resolve(d.localCSEID, targetCSI, peer, req.HopCount, req.Trail)
	if err != nil {
		return d.fail(req, rsc.BadRequest)
	}
	_ = decision // binding adapter performs the actual remote send using decision.POA

	d.logger.Warn("forwarding not wired to a transport in this build",
		zap.String("target_csi", targetCSI), zap.String("rqi", req.RequestID))
	return d.fail(req, rsc.TargetNotReachable)
}

func (d *Dispatcher) fail(req *Request, code rsc.Code) *Response {
	return &Response{RSC: code, RequestID: req.RequestID, From: d.localCSEID, To: req.To, OT: time.Now()}
}

// lockFor returns the per-ri mutex used to linearize concurrent UPDATEs
// to the same resource (spec.md §4.11), lazily allocating it.
func (d *Dispatcher) lockFor(ri string) *sync.Mutex {
	actual, _ := d.riLocks.LoadOrStore(ri, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// publish appends a post-commit event to the Event Bus (spec.md §4.11:
// "Events are emitted after commit").
func (d *Dispatcher) publish(ctx context.Context, kind eventbus.Kind, r *model.Resource, changed []string) {
	event := &eventbus.Event{
		ID:         fmt.Sprintf("%s-%d", r.RI, time.Now().UnixNano()),
		Kind:       kind,
		ResourceRI: r.RI,
		ParentRI:   r.PI,
		Originator: r.StringAttr("cr"),
		Snapshot:   r.Attrs,
		Changed:    changed,
		Timestamp:  time.Now(),
	}
	if err := d.bus.Publish(ctx, event); err != nil {
		d.logger.Warn("failed to publish post-commit event", zap.String("ri", r.RI), zap.Error(err))
	}
}
