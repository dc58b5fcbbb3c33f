// Package registration implements the Remote CSE / Registration Manager
// (spec.md §4.5): CSR (CSE registration) lifecycle, registrar check-in
// for MN/ASN-type CSEs, liveness probing, and the forwarding/loop
// detection decision for requests targeting a peer CSE.
package registration

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/logging"
)

// PeerStatus is a remote CSE's liveness state.
type PeerStatus string

const (
	StatusActive      PeerStatus = "active"
	StatusUnreachable PeerStatus = "unreachable"
	StatusDown        PeerStatus = "down" // three consecutive probe failures
)

// consecutiveFailuresToMarkDown is spec.md §4.5's "three consecutive
// failures mark the peer down".
const consecutiveFailuresToMarkDown = 3

// RemoteCSE is the registry's record of a peer CSE, grounded on the
// registry package's Plugin{Category,Name,Status} shape.
type RemoteCSE struct {
	CSEID                string   // csi
	PoA                  []string // point of access URIs
	Serialization        string   // preferred serialization (json/cbor/xml)
	Status               PeerStatus
	ConsecutiveFailures  int
	LocalRemoteCSEriInCSE string // the <remoteCSE> resource ri mirroring this peer locally
}

// ErrAlreadyRegistered guards against double-registering the same CSE-ID.
var ErrAlreadyRegistered = errors.New("remote CSE already registered")

// ErrNotFound is returned when a csi has no registry entry.
var ErrNotFound = errors.New("remote CSE not registered")

// Registry tracks registered remote CSEs, grounded on
// internal/registry/registry.go's RWMutex-protected map-of-maps pattern,
// narrowed here to a single category (there is only one kind of peer).
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*RemoteCSE
	logger *logging.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{peers: make(map[string]*RemoteCSE), logger: logger}
}

// Register adds a newly registered peer CSE (either this CSE registering
// outward with its Registrar, or a descendant registering inward via a
// CSR CREATE).
func (r *Registry) Register(peer *RemoteCSE) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[peer.CSEID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, peer.CSEID)
	}
	peer.Status = StatusActive
	r.peers[peer.CSEID] = peer
	return nil
}

// Unregister removes a peer, e.g. on CSR DELETE.
func (r *Registry) Unregister(csi string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, csi)
}

// Get retrieves a peer by csi.
func (r *Registry) Get(csi string) (*RemoteCSE, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[csi]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, csi)
	}
	return peer, nil
}

// List returns every registered peer.
func (r *Registry) List() []*RemoteCSE {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RemoteCSE, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	return out
}

// RecordProbeResult updates a peer's consecutive-failure count after a
// liveness probe and applies the three-strikes rule (spec.md §4.5).
// It returns true the moment the peer transitions to StatusDown so the
// caller can invalidate the peer's CSR and expire its dependents.
func (r *Registry) RecordProbeResult(csi string, reachable bool) (justWentDown bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[csi]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, csi)
	}

	if reachable {
		peer.ConsecutiveFailures = 0
		peer.Status = StatusActive
		return false, nil
	}

	peer.ConsecutiveFailures++
	if peer.ConsecutiveFailures >= consecutiveFailuresToMarkDown && peer.Status != StatusDown {
		peer.Status = StatusDown
		r.logger.Warn("remote CSE marked down after consecutive probe failures",
			zap.String("csi", csi), zap.Int("failures", peer.ConsecutiveFailures))
		return true, nil
	}
	peer.Status = StatusUnreachable
	return false, nil
}
