package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ankraft/acme-cse/internal/announcement"
	"github.com/ankraft/acme-cse/internal/registration"
)

// httpPeer implements both registration.RegistrarClient and
// announcement.Peer over the HTTP binding, grounded on
// notification.Notifier's plain POST-and-check-status shape: both are
// outbound oneM2M CREATE/UPDATE/DELETE primitives against a peer CSE,
// not a callback delivery, so neither needs the notifier's per-target
// circuit breaker — the registrar check-in and announcement retry ticks
// already provide their own backoff.
type httpPeer struct {
	client           *http.Client
	localCSEID       string
	registrarAddress string
}

func newHTTPPeer(timeout time.Duration, localCSEID, registrarAddress string) *httpPeer {
	return &httpPeer{
		client:           &http.Client{Timeout: timeout},
		localCSEID:       localCSEID,
		registrarAddress: registrarAddress,
	}
}

// RegisterWithRegistrar performs the CSR CREATE a registering MN/ASN-type
// CSE sends to its configured Registrar (spec.md §4.5).
func (p *httpPeer) RegisterWithRegistrar(ctx context.Context, csi string, poa []string, serialization string) error {
	body := map[string]any{
		"m2m:csr": map[string]any{
			"csi": csi,
			"poa": poa,
			"rr":  true,
		},
	}
	return p.post(ctx, p.registrarAddress, "application/json;ty=16", body)
}

// Announce performs the CREATE/UPDATE/DELETE of an `<...Annc>` resource
// against targetCSI's announced point of access (spec.md §4.8).
func (p *httpPeer) Announce(ctx context.Context, targetCSI string, op announcement.Operation, resourceRI string, attrs map[string]any) error {
	target := targetCSI
	if !strings.HasPrefix(target, "http") {
		return fmt.Errorf("no point of access recorded for %s", targetCSI)
	}

	switch op {
	case announcement.OpAnnounceCreate:
		return p.post(ctx, target, "application/json", map[string]any{"m2m:annc": attrs})
	case announcement.OpAnnounceUpdate:
		return p.put(ctx, target+"/"+resourceRI, map[string]any{"m2m:annc": attrs})
	case announcement.OpAnnounceDelete:
		return p.delete(ctx, target+"/"+resourceRI)
	default:
		return fmt.Errorf("unknown announcement operation %d", op)
	}
}

func (p *httpPeer) post(ctx context.Context, url, contentType string, body map[string]any) error {
	return p.do(ctx, http.MethodPost, url, contentType, body)
}

func (p *httpPeer) put(ctx context.Context, url string, body map[string]any) error {
	return p.do(ctx, http.MethodPut, url, "application/json", body)
}

func (p *httpPeer) delete(ctx context.Context, url string) error {
	return p.do(ctx, http.MethodDelete, url, "", nil)
}

func (p *httpPeer) do(ctx context.Context, method, url, contentType string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build peer request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-M2M-Origin", p.localCSEID)
	req.Header.Set("X-M2M-RI", fmt.Sprintf("peer-%d", time.Now().UnixNano()))
	req.Header.Set("X-M2M-RVI", "4")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("peer request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}

var _ registration.RegistrarClient = (*httpPeer)(nil)
var _ announcement.Peer = (*httpPeer)(nil)
