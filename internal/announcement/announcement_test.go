package announcement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/announcement"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("test")
	require.NoError(t, err)
	return l
}

type recordingPeer struct {
	mu      sync.Mutex
	calls   []announcement.Operation
	failN   int
	attempt int
}

func (p *recordingPeer) Announce(ctx context.Context, targetCSI string, op announcement.Operation, resourceRI string, attrs map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt++
	if p.attempt <= p.failN {
		return errors.New("peer unreachable")
	}
	p.calls = append(p.calls, op)
	return nil
}

func TestAnnounceableTargets(t *testing.T) {
	r := &model.Resource{Attrs: map[string]any{"at": []string{"id-mn1", "id-mn2"}}}
	assert.Equal(t, []string{"id-mn1", "id-mn2"}, announcement.AnnounceableTargets(r))

	noTargets := &model.Resource{Attrs: map[string]any{}}
	assert.Nil(t, announcement.AnnounceableTargets(noTargets))
}

func TestFilterAnnouncedAttributes_RestrictsToAA(t *testing.T) {
	r := &model.Resource{Attrs: map[string]any{"lbl": []string{"x"}, "mni": 10, "aa": []string{"lbl"}}}
	filtered := announcement.FilterAnnouncedAttributes(r)
	assert.Contains(t, filtered, "lbl")
	assert.NotContains(t, filtered, "mni")
}

func TestFilterAnnouncedAttributes_NoAAMirrorsAll(t *testing.T) {
	r := &model.Resource{Attrs: map[string]any{"lbl": []string{"x"}, "mni": 10}}
	filtered := announcement.FilterAnnouncedAttributes(r)
	assert.Len(t, filtered, 2)
}

func TestManager_OnResourceCreated_NoDelay(t *testing.T) {
	peer := &recordingPeer{}
	mgr := announcement.NewManager(peer, 0, testLogger(t))

	r := &model.Resource{RI: "ri-1", Attrs: map[string]any{"at": []string{"id-mn1"}}}
	mgr.OnResourceCreated(context.Background(), r)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Len(t, peer.calls, 1)
	assert.Equal(t, announcement.OpAnnounceCreate, peer.calls[0])
}

func TestManager_OnResourceCreated_RespectsDelay(t *testing.T) {
	peer := &recordingPeer{}
	mgr := announcement.NewManager(peer, 30*time.Millisecond, testLogger(t))

	r := &model.Resource{RI: "ri-1", Attrs: map[string]any{"at": []string{"id-mn1"}}}
	mgr.OnResourceCreated(context.Background(), r)

	peer.mu.Lock()
	immediateCalls := len(peer.calls)
	peer.mu.Unlock()
	assert.Equal(t, 0, immediateCalls)

	require.Eventually(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return len(peer.calls) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_FailedAnnouncementQueuedAndRetried(t *testing.T) {
	peer := &recordingPeer{failN: 1}
	mgr := announcement.NewManager(peer, 0, testLogger(t))

	r := &model.Resource{RI: "ri-1", Attrs: map[string]any{"at": []string{"id-mn1"}}}
	mgr.OnResourceCreated(context.Background(), r)

	peer.mu.Lock()
	assert.Empty(t, peer.calls)
	peer.mu.Unlock()

	err := mgr.RetryTick(context.Background())
	require.NoError(t, err)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Len(t, peer.calls, 1)
}

func TestManager_OnResourceDeleted(t *testing.T) {
	peer := &recordingPeer{}
	mgr := announcement.NewManager(peer, 0, testLogger(t))

	r := &model.Resource{RI: "ri-1", Attrs: map[string]any{"at": []string{"id-mn1"}}}
	mgr.OnResourceDeleted(context.Background(), r)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Len(t, peer.calls, 1)
	assert.Equal(t, announcement.OpAnnounceDelete, peer.calls[0])
}
