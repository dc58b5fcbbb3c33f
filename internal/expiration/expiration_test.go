package expiration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/expiration"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/storage"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("test")
	require.NoError(t, err)
	return l
}

type recordingDeleter struct {
	deleted []string
	failFor map[string]bool
}

func (d *recordingDeleter) DeleteAsAdmin(ctx context.Context, ri string) error {
	if d.failFor[ri] {
		return errors.New("delete failed")
	}
	d.deleted = append(d.deleted, ri)
	return nil
}

type stubPurger struct {
	purged int
	err    error
}

func (p *stubPurger) PurgeRequestsOlderThan(ctx context.Context, age time.Duration) (int, error) {
	return p.purged, p.err
}

func seedExpired(t *testing.T, store storage.Store, ris ...string) {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	for _, ri := range ris {
		require.NoError(t, store.CreateResource(context.Background(), &model.Resource{
			RI: ri, RN: ri, PI: "cse-1", TY: model.TypeContentInstance, ET: &past,
		}))
	}
}

func TestWorker_Sweep_DeletesExpiredResources(t *testing.T) {
	store := storage.NewMemoryStore()
	seedExpired(t, store, "ci-1", "ci-2")

	deleter := &recordingDeleter{failFor: map[string]bool{}}
	w := expiration.NewWorker(store, deleter, nil, time.Hour, testLogger(t))

	require.NoError(t, w.Sweep(context.Background()))
	assert.ElementsMatch(t, []string{"ci-1", "ci-2"}, deleter.deleted)
}

func TestWorker_Sweep_ContinuesPastOneFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	seedExpired(t, store, "ci-1", "ci-2")

	deleter := &recordingDeleter{failFor: map[string]bool{"ci-1": true}}
	w := expiration.NewWorker(store, deleter, nil, time.Hour, testLogger(t))

	require.NoError(t, w.Sweep(context.Background()))
	assert.ElementsMatch(t, []string{"ci-2"}, deleter.deleted)
}

func TestWorker_Sweep_PurgesStaleRequests(t *testing.T) {
	store := storage.NewMemoryStore()
	deleter := &recordingDeleter{failFor: map[string]bool{}}
	purger := &stubPurger{purged: 3}

	w := expiration.NewWorker(store, deleter, purger, time.Hour, testLogger(t))
	require.NoError(t, w.Sweep(context.Background()))
}

func TestWorker_Sweep_StopsBetweenResourcesOnCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	seedExpired(t, store, "ci-1", "ci-2")

	deleter := &recordingDeleter{failFor: map[string]bool{}}
	w := expiration.NewWorker(store, deleter, nil, time.Hour, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Sweep(ctx))
}
