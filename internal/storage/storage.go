// Package storage provides the persistence abstraction for the CSE's
// resource tree: resources, the srn↔ri identifier index, per-parent
// children lists (spec.md §6.4). Mutation only happens through the
// dispatcher's transaction discipline (spec.md §4.11); storage itself only
// guarantees atomicity of a single Create/Update/Delete call and
// snapshot-read semantics for Get/List.
package storage

import (
	"context"
	"errors"

	"github.com/ankraft/acme-cse/internal/model"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrSRNConflict   = errors.New("structured name already in use under this parent")
	ErrUnavailable   = errors.New("storage backend unavailable")
)

// Store is the persistence contract every backend (in-memory, Redis,
// relational) must satisfy (spec.md §1's "Storage abstraction with
// transactional semantics over either a document store or a relational
// backend").
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateResource inserts r, its srn index entry, and its parent's
	// children-list entry atomically. Returns ErrAlreadyExists if r.RI is
	// taken, or ErrSRNConflict if a sibling already uses r.RN under r.PI.
	CreateResource(ctx context.Context, r *model.Resource) error

	// GetResource returns a snapshot copy of the resource identified by ri.
	// Returns ErrNotFound if it does not exist.
	GetResource(ctx context.Context, ri string) (*model.Resource, error)

	// UpdateResource replaces the stored resource with r, which the
	// caller has already merged with the existing attributes. Returns
	// ErrNotFound if ri does not exist.
	UpdateResource(ctx context.Context, r *model.Resource) error

	// DeleteResource removes the resource and its index entries. It does
	// NOT recurse to children — recursive deletion is a Resource Model
	// concern (spec.md §3.4) that issues one DeleteResource per node, so
	// that each deletion can fire its own subscription events.
	DeleteResource(ctx context.Context, ri string) error

	// ChildrenOf returns the ri's of all direct children of pi, in
	// creation order. Returns an empty slice if pi has no children or
	// does not exist.
	ChildrenOf(ctx context.Context, pi string) ([]string, error)

	// ChildrenOfType returns the ri's of direct children of pi with the
	// given type, in creation order — used by container quota
	// enforcement and by subscription NET=3/4 matching.
	ChildrenOfType(ctx context.Context, pi string, ty model.ResourceType) ([]string, error)

	// ResolveSRN maps a structured resource name to its ri. Returns
	// ErrNotFound if no resource has that srn.
	ResolveSRN(ctx context.Context, srn string) (string, error)

	// ListExpired returns the ri's of all resources whose et is before
	// the given Unix-nanosecond timestamp, for the expiration sweeper.
	ListExpired(ctx context.Context, nowUnixNano int64) ([]string, error)

	// Ping verifies connectivity to the backend. Returns ErrUnavailable
	// if the backend cannot be reached.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend. After calling
	// Close the store should not be used.
	Close() error
}
