package dispatcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/dispatcher"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/expiration"
	"github.com/ankraft/acme-cse/internal/group"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/notification"
	"github.com/ankraft/acme-cse/internal/registration"
	"github.com/ankraft/acme-cse/internal/rsc"
	"github.com/ankraft/acme-cse/internal/storage"
)

const adminOriginator = "CAdmin"

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("test")
	require.NoError(t, err)
	return l
}

// newTestCSE seeds a CSEBase and returns a Dispatcher wired against it,
// along with the underlying store and event bus for direct inspection.
func newTestCSE(t *testing.T) (*dispatcher.Dispatcher, storage.Store, eventbus.Bus) {
	t.Helper()

	store := storage.NewMemoryStore()
	now := time.Now()
	cseBase := &model.Resource{
		RI: "cse-1", RN: "id-in", PI: "", TY: model.TypeCSEBase, CT: now, LT: now,
		Attrs: map[string]any{"csi": "id-in", "cst": 1},
	}
	require.NoError(t, store.CreateResource(context.Background(), cseBase))

	bus := eventbus.NewMemoryBus()
	registry := registration.NewRegistry(testLogger(t))

	d := dispatcher.New(dispatcher.Config{
		Store:           store,
		ACPEvaluator:    acp.NewEvaluator(true, adminOriginator),
		Bus:             bus,
		Registry:        registry,
		LocalCSEID:      "id-in",
		CSEBaseRI:       "cse-1",
		AdminOriginator: adminOriginator,
		Logger:          testLogger(t),
	})
	return d, store, bus
}

func createOK(t *testing.T, d *dispatcher.Dispatcher, to, from string, pc map[string]any) map[string]any {
	t.Helper()
	resp := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpCreate, To: to, From: from, PC: pc, RCN: dispatcher.RCNAttributes,
	})
	require.Equal(t, rsc.Created, resp.RSC, "create failed: %+v", resp)
	return resp.PC
}

// --- Scenario S1: AE registration auto-grants an ACP over its own subtree.

func TestScenario_AERegistration_AutoGrantsACP(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", "C_ae1", map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)

	// The registering originator can now retrieve its own AE.
	self := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve, To: aeRI, From: "C_ae1",
	})
	assert.Equal(t, rsc.OK, self.RSC)

	// A different originator is not granted access.
	other := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve, To: aeRI, From: "C_someoneElse",
	})
	assert.Equal(t, rsc.OriginatorHasNoPrivilege, other.RSC)
}

// --- Scenario S2: container quota eviction.

func TestScenario_ContainerQuota_EvictsOldestContentInstance(t *testing.T) {
	d, store, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)

	cnt := createOK(t, d, aeRI, adminOriginator, map[string]any{
		"ty": int(model.TypeContainer), "mni": 2,
	})
	cntRI := cnt["ri"].(string)

	ciRIs := make([]string, 3)
	for i := 0; i < 3; i++ {
		ci := createOK(t, d, cntRI, adminOriginator, map[string]any{
			"ty": int(model.TypeContentInstance), "con": "payload",
		})
		ciRIs[i] = ci["ri"].(string)
	}
	ci1, ci2, ci3 := ciRIs[0], ciRIs[1], ciRIs[2]

	children, err := store.ChildrenOfType(context.Background(), cntRI, model.TypeContentInstance)
	require.NoError(t, err)
	assert.Len(t, children, 2, "quota should evict down to mni=2")

	// "RETRIEVE container/la -> CI3; RETRIEVE container/ol -> CI2; RETRIEVE CI1 -> 4004."
	la := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve, To: cntRI + "/la", From: adminOriginator, RCN: dispatcher.RCNAttributes,
	})
	require.Equal(t, rsc.OK, la.RSC)
	assert.Equal(t, ci3, la.PC["ri"])

	ol := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve, To: cntRI + "/ol", From: adminOriginator, RCN: dispatcher.RCNAttributes,
	})
	require.Equal(t, rsc.OK, ol.RSC)
	assert.Equal(t, ci2, ol.PC["ri"])

	evicted := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve, To: ci1, From: adminOriginator,
	})
	assert.Equal(t, rsc.NotFound, evicted.RSC)
}

// --- Scenario S3: subscription notified on child create.

func TestScenario_SubscriptionNotifiedOnChildCreate(t *testing.T) {
	d, store, bus := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)
	cnt := createOK(t, d, aeRI, adminOriginator, map[string]any{"ty": int(model.TypeContainer)})
	cntRI := cnt["ri"].(string)

	var mu sync.Mutex
	received := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := notification.NewNotifier(time.Second, testLogger(t))
	engine := notification.NewEngine(bus, notifier, store, acp.NewEvaluator(true, adminOriginator), false, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	// Exercise the real dispatcher -> event bus -> subscription bridge
	// path, mirroring cmd/cse's runSubscriptionBridge, rather than calling
	// engine.RegisterSubscription directly: this is what actually proves
	// a <subscription> CREATE reaches the engine in the running server.
	bridgeCh, err := bus.Subscribe(ctx, "subscription-bridge-test", "bridge")
	require.NoError(t, err)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-bridgeCh:
				if !ok {
					return
				}
				if event.Kind != eventbus.KindResourceCreated {
					continue
				}
				r, err := store.GetResource(ctx, event.ResourceRI)
				if err != nil || r.TY != model.TypeSubscription {
					continue
				}
				_ = engine.RegisterSubscription(ctx, notification.FromResource(r))
			}
		}
	}()

	createOK(t, d, cntRI, adminOriginator, map[string]any{
		"ty": int(model.TypeSubscription),
		"nu":  []any{server.URL},
		"enc": map[string]any{"net": []any{int(notification.NETCreateOfDirectChild)}},
	})

	require.Eventually(t, func() bool {
		return len(engine.RegisteredSubscriptionRIs()) == 1
	}, time.Second, 10*time.Millisecond, "subscription bridge never registered the subscription")

	createOK(t, d, cntRI, adminOriginator, map[string]any{"ty": int(model.TypeContentInstance), "con": "x"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	}, time.Second, 10*time.Millisecond)
}

// --- Scenario S4: access denied.

func TestScenario_AccessDenied(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", "C_owner", map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	resp := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpDelete, To: ae["ri"].(string), From: "C_intruder",
	})
	assert.Equal(t, rsc.OriginatorHasNoPrivilege, resp.RSC)
}

// --- Scenario S5: group fan-out with partial failure.

func TestScenario_GroupFanOut_PartialFailureStillAggregates(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)
	cnt := createOK(t, d, aeRI, adminOriginator, map[string]any{"ty": int(model.TypeContainer)})

	manager := group.NewManager(d, d)
	agr, err := manager.FanOut(context.Background(), &group.Group{
		RI:        "grp-1",
		MemberIDs: []string{cnt["ri"].(string), "does-not-exist"},
	}, adminOriginator, string(dispatcher.OpRetrieve), nil)
	require.NoError(t, err)

	require.Len(t, agr.Responses, 2)
	assert.Equal(t, rsc.OK, group.OverallRSC(agr))

	var sawNotFound bool
	for _, r := range agr.Responses {
		if r.RSC == rsc.NotFound {
			sawNotFound = true
		}
	}
	assert.True(t, sawNotFound)
}

// --- Scenario: a /fopt-addressed request is fanned out by Process itself,
// not just by a hand-built group.Manager (spec.md §4.7).

func TestScenario_GroupFanOut_ThroughFoptTarget(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)
	cnt := createOK(t, d, aeRI, adminOriginator, map[string]any{"ty": int(model.TypeContainer)})

	grp := createOK(t, d, aeRI, adminOriginator, map[string]any{
		"ty": int(model.TypeGroup), "mid": []any{cnt["ri"].(string)},
	})
	grpRI := grp["ri"].(string)

	resp := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve,
		To:        grpRI + "/fopt",
		From:      adminOriginator,
		RCN:       dispatcher.RCNAttributes,
	})
	require.Equal(t, rsc.OK, resp.RSC, "fan-out failed: %+v", resp)

	agr, ok := resp.PC["m2m:agr"].([]map[string]any)
	require.True(t, ok, "expected m2m:agr body, got %+v", resp.PC)
	require.Len(t, agr, 1)
	assert.Equal(t, int(rsc.OK), agr[0]["rsc"])
	assert.Equal(t, cnt["ri"].(string), agr[0]["to"])
}

// --- Scenario S6: expiration sweep removes an expired resource.

func TestScenario_ExpirationSweep_RemovesExpiredResource(t *testing.T) {
	d, store, _ := newTestCSE(t)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateResource(context.Background(), &model.Resource{
		RI: "ci-expired", RN: "ci-expired", PI: "cse-1", TY: model.TypeContentInstance, ET: &past,
	}))

	w := expiration.NewWorker(store, d, nil, time.Hour, testLogger(t))
	require.NoError(t, w.Sweep(context.Background()))

	resp := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve, To: "ci-expired", From: adminOriginator,
	})
	assert.Equal(t, rsc.NotFound, resp.RSC)
}

// --- Invariant I1: sibling rn uniqueness under a parent.

func TestInvariant_SiblingNameConflict(t *testing.T) {
	d, _, _ := newTestCSE(t)

	pc := map[string]any{"ty": int(model.TypeAE), "rn": "dup", "api": "N.test", "rr": true, "srv": []any{"3"}}
	first := d.Process(context.Background(), &dispatcher.Request{Operation: dispatcher.OpCreate, To: "cse-1", From: adminOriginator, PC: pc})
	require.Equal(t, rsc.Created, first.RSC)

	second := d.Process(context.Background(), &dispatcher.Request{Operation: dispatcher.OpCreate, To: "cse-1", From: adminOriginator, PC: pc})
	assert.Equal(t, rsc.Conflict, second.RSC)
}

// --- Invariant I2: cascade delete leaves no orphan.

func TestInvariant_CascadeDeleteRemovesDescendants(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)
	cnt := createOK(t, d, aeRI, adminOriginator, map[string]any{"ty": int(model.TypeContainer)})
	cntRI := cnt["ri"].(string)

	del := d.Process(context.Background(), &dispatcher.Request{Operation: dispatcher.OpDelete, To: aeRI, From: adminOriginator})
	require.Equal(t, rsc.Deleted, del.RSC)

	childResp := d.Process(context.Background(), &dispatcher.Request{Operation: dispatcher.OpRetrieve, To: cntRI, From: adminOriginator})
	assert.Equal(t, rsc.NotFound, childResp.RSC)
}

// --- Invariant I5: ct <= lt <= et.

func TestInvariant_ExpirationBeforeCreationRejected(t *testing.T) {
	d, _, _ := newTestCSE(t)

	past := time.Now().Add(-time.Hour)
	resp := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpCreate, To: "cse-1", From: adminOriginator,
		PC: map[string]any{"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"}, "et": past},
	})
	assert.Equal(t, rsc.BadRequest, resp.RSC)
}

// --- Invariant I6: concurrent UPDATEs to the same ri are linearized.

func TestInvariant_ConcurrentUpdatesAreLinearized(t *testing.T) {
	d, store, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)

	const n = 50
	results := make([]rsc.Code, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := d.Process(context.Background(), &dispatcher.Request{
				Operation: dispatcher.OpUpdate, To: aeRI, From: adminOriginator,
				PC: map[string]any{"rr": true},
			})
			results[i] = resp.RSC
		}(i)
	}
	wg.Wait()

	for _, code := range results {
		assert.Equal(t, rsc.Updated, code)
	}

	// Every update serialized through the per-ri mutex, so the resource
	// is never left half-written: lt always lands no earlier than ct.
	final, err := store.GetResource(context.Background(), aeRI)
	require.NoError(t, err)
	assert.True(t, final.LT.After(final.CT) || final.LT.Equal(final.CT))
}

// --- Invariant I7: forwarded requests preserve rqi.

func TestInvariant_ForwardingPreservesRequestID(t *testing.T) {
	d, _, _ := newTestCSE(t)

	resp := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpRetrieve, To: "/id-out/some-resource", From: "C_ae1", RequestID: "rqi-preserved",
	})
	assert.Equal(t, "rqi-preserved", resp.RequestID)
	assert.Equal(t, rsc.RemoteEntityNotReachable, resp.RSC)
}

// --- Round-trip law R1: CREATE then RETRIEVE returns the same attributes.

func TestRoundTrip_CreateThenRetrieve(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)

	resp := d.Process(context.Background(), &dispatcher.Request{Operation: dispatcher.OpRetrieve, To: aeRI, From: adminOriginator})
	require.Equal(t, rsc.OK, resp.RSC)
	assert.Equal(t, "N.test", resp.PC["api"])
	assert.Equal(t, true, resp.PC["rr"])
}

// --- Round-trip law R2: UPDATE with a null value removes the attribute.

func TestRoundTrip_UpdateNullRemovesAttribute(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"}, "poa": []any{"http://x"},
	})
	aeRI := ae["ri"].(string)

	upd := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpUpdate, To: aeRI, From: adminOriginator,
		PC: map[string]any{"poa": nil},
	})
	require.Equal(t, rsc.Updated, upd.RSC)

	resp := d.Process(context.Background(), &dispatcher.Request{Operation: dispatcher.OpRetrieve, To: aeRI, From: adminOriginator})
	require.Equal(t, rsc.OK, resp.RSC)
	_, present := resp.PC["poa"]
	assert.False(t, present)
}

// --- Round-trip law R3: discovery fc.ty filter exactness.

func TestRoundTrip_DiscoveryFiltersByType(t *testing.T) {
	d, _, _ := newTestCSE(t)

	ae := createOK(t, d, "cse-1", adminOriginator, map[string]any{
		"ty": int(model.TypeAE), "api": "N.test", "rr": true, "srv": []any{"3"},
	})
	aeRI := ae["ri"].(string)
	createOK(t, d, aeRI, adminOriginator, map[string]any{"ty": int(model.TypeContainer)})
	createOK(t, d, aeRI, adminOriginator, map[string]any{"ty": int(model.TypeContainer)})

	resp := d.Process(context.Background(), &dispatcher.Request{
		Operation: dispatcher.OpDiscovery, To: aeRI, From: adminOriginator,
		FC: map[string]any{"ty": []any{int(model.TypeContainer)}},
	})
	require.Equal(t, rsc.OK, resp.RSC)
	uril, ok := resp.PC["m2m:uril"].([]string)
	require.True(t, ok)
	assert.Len(t, uril, 2)
}
