// Package expiration implements the Expiration/TTL Worker (spec.md
// §4.9): a periodic sweep that deletes resources (and `<request>`
// records) whose `et`/expirationTime has passed, routed through the
// Dispatcher so subscriptions and announcements still fire.
package expiration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/storage"
)

// Deleter performs a subtree deletion through the Dispatcher (spec.md
// §4.9: "Deletion goes through the Dispatcher path ... using the admin
// originator"). A narrow interface to avoid an import cycle with
// internal/dispatcher.
type Deleter interface {
	DeleteAsAdmin(ctx context.Context, ri string) error
}

// RequestPurger removes `<request>` resources older than
// requestExpirationDelta. Kept separate from Deleter because `<request>`
// records are a statistics/audit log, not part of the resource tree.
type RequestPurger interface {
	PurgeRequestsOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Worker runs the periodic expiration sweep.
type Worker struct {
	store          storage.Store
	deleter        Deleter
	requestPurger  RequestPurger
	requestMaxAge  time.Duration
	logger         *logging.Logger
}

// NewWorker constructs a Worker. requestMaxAge is the
// requestExpirationDelta used to purge `<request>` resources.
func NewWorker(store storage.Store, deleter Deleter, requestPurger RequestPurger, requestMaxAge time.Duration, logger *logging.Logger) *Worker {
	return &Worker{
		store:         store,
		deleter:       deleter,
		requestPurger: requestPurger,
		requestMaxAge: requestMaxAge,
		logger:        logger,
	}
}

// Sweep is one run of the expiration check: list every resource whose
// et has passed and delete its subtree, then purge stale <request>
// resources. It always completes what it has started — the context is
// honored between resources, not mid-resource, so a shutdown finishes
// the resource currently being deleted before returning (spec.md §4.9:
// "during shutdown finishes the in-progress sweep before exit").
func (w *Worker) Sweep(ctx context.Context) error {
	expired, err := w.store.ListExpired(ctx, time.Now().UnixNano())
	if err != nil {
		return err
	}

	for _, ri := range expired {
		if err := w.deleter.DeleteAsAdmin(ctx, ri); err != nil {
			w.logger.Warn("expiration sweep failed to delete resource",
				zap.String("ri", ri), zap.Error(err))
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}

	if w.requestPurger != nil {
		if _, err := w.requestPurger.PurgeRequestsOlderThan(ctx, w.requestMaxAge); err != nil {
			w.logger.Warn("failed to purge expired request resources", zap.Error(err))
		}
	}
	return nil
}
