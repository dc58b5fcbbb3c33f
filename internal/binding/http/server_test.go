package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/config"
	"github.com/ankraft/acme-cse/internal/dispatcher"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/registration"
	"github.com/ankraft/acme-cse/internal/storage"
)

// noopAnnouncement satisfies dispatcher.AnnouncementHooks without wiring a
// real announcement.Manager, keeping these HTTP-layer tests focused on
// request/response mapping rather than cross-CSE announcement behavior.
type noopAnnouncement struct{}

func (noopAnnouncement) OnResourceCreated(ctx context.Context, r *model.Resource) {}
func (noopAnnouncement) OnResourceUpdated(ctx context.Context, r *model.Resource) {}
func (noopAnnouncement) OnResourceDeleted(ctx context.Context, r *model.Resource) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	now := time.Now()
	cseBase := &model.Resource{
		RI: "cse-1", RN: "id-in", PI: "", TY: model.TypeCSEBase, CT: now, LT: now,
		Attrs: map[string]any{"csi": "id-in"},
	}
	require.NoError(t, store.CreateResource(context.Background(), cseBase))

	logger, err := logging.New("test")
	require.NoError(t, err)

	disp := dispatcher.New(dispatcher.Config{
		Store:                    store,
		ACPEvaluator:             acp.NewEvaluator(true, "CAdmin"),
		Bus:                      eventbus.NewMemoryBus(),
		Registry:                 registration.NewRegistry(logger),
		LocalCSEID:               "id-in",
		CSEBaseRI:                "cse-1",
		AdminOriginator:          "CAdmin",
		SupportedReleaseVersions: []string{"4"},
		Announcement:             noopAnnouncement{},
		Logger:                   logger,
	})

	cfg := &config.Config{
		Server: config.ServerConfig{GinMode: gin.TestMode},
		Observability: config.ObservabilityConfig{
			Metrics: config.MetricsConfig{Enabled: false},
		},
	}

	srv, err := New(cfg, disp, logger)
	require.NoError(t, err)
	return srv
}

func TestHTTPBinding_CreateAEThenRetrieve(t *testing.T) {
	srv := newTestServer(t)

	body, err := json.Marshal(map[string]any{
		"m2m:ae": map[string]any{
			"rn":  "MyAE",
			"api": "N.test",
			"rr":  true,
			"srv": []any{"3", "4"},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/id-in/cse-1", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json;ty=2")
	req.Header.Set("X-M2M-Origin", "CAdmin")
	req.Header.Set("X-M2M-RI", "r1")
	req.Header.Set("X-M2M-RVI", "4")

	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "2001", resp.Header().Get("X-M2M-RSC"))
	assert.Equal(t, "r1", resp.Header().Get("X-M2M-RI"))

	var created map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	ri, _ := created["ri"].(string)
	require.NotEmpty(t, ri)

	getReq := httptest.NewRequest(http.MethodGet, "/id-in/"+ri, nil)
	getReq.Header.Set("X-M2M-Origin", "CAdmin")
	getReq.Header.Set("X-M2M-RI", "r2")
	getReq.Header.Set("X-M2M-RVI", "4")

	getResp := httptest.NewRecorder()
	srv.Router().ServeHTTP(getResp, getReq)

	assert.Equal(t, http.StatusOK, getResp.Code)
	assert.Equal(t, "2000", getResp.Header().Get("X-M2M-RSC"))
}

func TestHTTPBinding_MissingOriginatorHeaderRejected(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/id-in/cse-1", nil)
	req.Header.Set("X-M2M-RI", "r1")

	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHTTPBinding_MissingReleaseVersionRejected(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/id-in/cse-1", nil)
	req.Header.Set("X-M2M-Origin", "CAdmin")
	req.Header.Set("X-M2M-RI", "r1")

	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)

	assert.Equal(t, "4001", resp.Header().Get("X-M2M-RSC"))
}

func TestHTTPBinding_AccessDeniedReturns4103(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/id-in/cse-1", nil)
	req.Header.Set("X-M2M-Origin", "Cstranger")
	req.Header.Set("X-M2M-RI", "r1")
	req.Header.Set("X-M2M-RVI", "4")

	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)

	// The CSEBase carries no acpi, so a non-admin originator without any
	// granted policy is denied.
	assert.Equal(t, "4103", resp.Header().Get("X-M2M-RSC"))
}

func TestHTTPBinding_HealthAndReady(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		srv.Router().ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code, path)
	}
}
