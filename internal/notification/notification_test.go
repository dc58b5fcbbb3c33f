package notification_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/notification"
	"github.com/ankraft/acme-cse/internal/storage"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("test")
	require.NoError(t, err)
	return l
}

func TestIndex_ByParentAndByTarget(t *testing.T) {
	idx := notification.NewIndex()
	childSub := &notification.Subscription{RI: "sub-1", ParentRI: "container-1", EventTypes: []notification.NET{notification.NETCreateOfDirectChild}}
	updateSub := &notification.Subscription{RI: "sub-2", ParentRI: "ae-1", EventTypes: []notification.NET{notification.NETUpdateOfResource}}
	idx.Put(childSub)
	idx.Put(updateSub)

	assert.Len(t, idx.ByParent("container-1"), 1)
	assert.Len(t, idx.ByTarget("ae-1"), 1)
	assert.Empty(t, idx.ByTarget("container-1"))

	idx.Remove("sub-1")
	assert.Empty(t, idx.ByParent("container-1"))
}

func TestMatcher_Match_ChildCreate(t *testing.T) {
	idx := notification.NewIndex()
	idx.Put(&notification.Subscription{
		RI: "sub-1", ParentRI: "container-1",
		EventTypes: []notification.NET{notification.NETCreateOfDirectChild},
	})
	m := notification.NewMatcher(idx, nil, nil)

	event := &eventbus.Event{Kind: eventbus.KindChildCreated, ParentRI: "container-1"}
	matched := m.Match(context.Background(), event)
	require.Len(t, matched, 1)
	assert.Equal(t, "sub-1", matched[0].RI)
}

func TestMatcher_Match_AttributeFilterExcludes(t *testing.T) {
	idx := notification.NewIndex()
	idx.Put(&notification.Subscription{
		RI: "sub-1", ParentRI: "res-1",
		EventTypes:      []notification.NET{notification.NETUpdateOfResource},
		AttributeFilter: []string{"lbl"},
	})
	m := notification.NewMatcher(idx, nil, nil)

	event := &eventbus.Event{Kind: eventbus.KindResourceUpdated, ResourceRI: "res-1", Changed: []string{"mni"}}
	assert.Empty(t, m.Match(context.Background(), event))

	event.Changed = []string{"lbl"}
	assert.Len(t, m.Match(context.Background(), event), 1)
}

func TestMatcher_Match_OriginatorFilterExcludes(t *testing.T) {
	idx := notification.NewIndex()
	idx.Put(&notification.Subscription{
		RI: "sub-1", ParentRI: "res-1",
		EventTypes:     []notification.NET{notification.NETUpdateOfResource},
		OriginatorACPI: []string{"acp-1"},
	})

	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateResource(ctx, &model.Resource{
		RI: "acp-1", TY: model.TypeACP,
		Attrs: map[string]any{"pv": map[string]any{"acr": []any{
			map[string]any{"acor": []any{"CAdmin"}, "acop": int(acp.OpNotify)},
		}}},
	}))
	acpEval := acp.NewEvaluator(false, "")
	m := notification.NewMatcher(idx, store, acpEval)

	event := &eventbus.Event{Kind: eventbus.KindResourceUpdated, ResourceRI: "res-1", Originator: "CSomeoneElse"}
	assert.Empty(t, m.Match(ctx, event))

	event.Originator = "CAdmin"
	assert.Len(t, m.Match(ctx, event), 1)
}

func TestNotifier_Notify_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notification.NewNotifier(time.Second, testLogger(t))
	status, err := n.Notify(context.Background(), srv.URL, &notification.Notification{SubscriptionReference: "sub-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestNotifier_Notify_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := notification.NewNotifier(time.Second, testLogger(t))
	_, err := n.Notify(context.Background(), srv.URL, &notification.Notification{SubscriptionReference: "sub-1"})
	assert.Error(t, err)
}

func TestEngine_RegisterSubscription_VerificationRejectsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	engine := notification.NewEngine(bus, notification.NewNotifier(time.Second, testLogger(t)), nil, nil, false, testLogger(t))

	sub := &notification.Subscription{
		RI: "sub-1", ParentRI: "ae-1",
		NotificationURIs:      []string{srv.URL},
		EventTypes:            []notification.NET{notification.NETUpdateOfResource},
		VerificationRequested: true,
	}
	err := engine.RegisterSubscription(context.Background(), sub)
	assert.Error(t, err)
}

func TestEngine_DeliversOnMatchingEvent(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	engine := notification.NewEngine(bus, notification.NewNotifier(time.Second, testLogger(t)), nil, nil, false, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	sub := &notification.Subscription{
		RI: "sub-1", ParentRI: "container-1",
		NotificationURIs: []string{srv.URL},
		EventTypes:       []notification.NET{notification.NETCreateOfDirectChild},
	}
	require.NoError(t, engine.RegisterSubscription(ctx, sub))

	require.NoError(t, bus.Publish(ctx, &eventbus.Event{
		ID: "evt-1", Kind: eventbus.KindChildCreated, ParentRI: "container-1", ResourceRI: "ci-1",
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEngine_UnregisterSubscriptionStopsDelivery(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	engine := notification.NewEngine(bus, notification.NewNotifier(time.Second, testLogger(t)), nil, nil, false, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	sub := &notification.Subscription{
		RI: "sub-1", ParentRI: "container-1",
		NotificationURIs: []string{srv.URL},
		EventTypes:       []notification.NET{notification.NETCreateOfDirectChild},
	}
	require.NoError(t, engine.RegisterSubscription(ctx, sub))
	engine.UnregisterSubscription("sub-1")

	require.NoError(t, bus.Publish(ctx, &eventbus.Event{
		ID: "evt-1", Kind: eventbus.KindChildCreated, ParentRI: "container-1",
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&received))
}
