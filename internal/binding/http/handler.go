package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ankraft/acme-cse/internal/dispatcher"
	"github.com/ankraft/acme-cse/internal/rsc"
)

// handlePrimitive is the single entry point for every oneM2M primitive
// carried over HTTP (spec.md §6.1): it maps headers and query parameters
// onto a dispatcher.Request, calls the Dispatcher, and writes back a
// normalized Response with the X-M2M-* response headers.
func (s *Server) handlePrimitive(c *gin.Context) {
	if s.validator != nil {
		if err := s.validator.Validate(c.Request); err != nil {
			s.writeFailure(c, "", rsc.BadRequest)
			return
		}
	}

	req, rc := s.buildRequest(c)
	if rc != 0 {
		s.writeFailure(c, c.GetHeader("X-M2M-RI"), rc)
		return
	}

	resp := s.dispatcher.Process(c.Request.Context(), req)
	s.writeResponse(c, resp)
}

// buildRequest maps the inbound HTTP request onto a dispatcher.Request,
// per spec.md §6.1's header table. A non-zero rsc return means the mapping
// itself failed (missing mandatory header, malformed body) and the caller
// should respond without ever reaching the Dispatcher.
func (s *Server) buildRequest(c *gin.Context) (*dispatcher.Request, rsc.Code) {
	origin := c.GetHeader("X-M2M-Origin")
	requestID := c.GetHeader("X-M2M-RI")
	rvi := c.GetHeader("X-M2M-RVI")
	if origin == "" || requestID == "" {
		return nil, rsc.BadRequest
	}

	op, ty, isDiscovery := operationFor(c)
	if c.Request.Method == http.MethodPatch && !s.config.CSE.AllowPatchForDelete {
		return nil, rsc.OperationNotAllowed
	}

	pc, rc := s.decodeBody(c, op)
	if rc != 0 {
		return nil, rc
	}
	if ty != "" {
		if n, err := strconv.Atoi(ty); err == nil {
			pc["ty"] = n
		}
	}

	req := &dispatcher.Request{
		Operation: op,
		To:        c.Param("path"),
		From:      origin,
		RequestID: requestID,
		PC:        pc,
		RCN:       rcnFromQuery(c),
		RT:        responseTypeFromQuery(c),
		FC:        filterCriteriaFromQuery(c, isDiscovery),
		OT:        time.Now(),
		RVI:       rvi,
		VSI:       c.GetHeader("X-M2M-VSI"),
		Origin:    "http",
	}

	if rqet := c.GetHeader("X-M2M-RQET"); rqet != "" {
		if t, err := time.Parse(time.RFC3339, rqet); err == nil {
			req.RQET = t
		}
	}
	if rtu := c.GetHeader("X-M2M-RTU"); rtu != "" {
		req.RTU = strings.Split(rtu, " ")
	}

	return req, 0
}

// operationFor derives the primitive operation from the HTTP method per
// spec.md §6.1: "POST (CREATE when ty header/param present; NOTIFY
// otherwise), GET (RETRIEVE / DISCOVERY when fu=1), PUT (UPDATE), DELETE
// (DELETE). PATCH may be mapped to DELETE iff allowPatchForDelete enabled."
func operationFor(c *gin.Context) (op dispatcher.Operation, ty string, isDiscovery bool) {
	ty = tyFromRequest(c)

	switch c.Request.Method {
	case http.MethodPost:
		if ty != "" {
			return dispatcher.OpCreate, ty, false
		}
		return dispatcher.OpNotify, "", false
	case http.MethodGet:
		if c.Query("fu") == "1" {
			return dispatcher.OpDiscovery, "", true
		}
		return dispatcher.OpRetrieve, "", false
	case http.MethodPut:
		return dispatcher.OpUpdate, "", false
	case http.MethodDelete:
		return dispatcher.OpDelete, "", false
	case http.MethodPatch:
		return dispatcher.OpDelete, "", false
	default:
		return "", "", false
	}
}

// tyFromRequest reads the resource type either from the Content-Type
// suffix ("application/json;ty=2") or a ty query parameter, matching
// spec.md §6.1's content-type convention.
func tyFromRequest(c *gin.Context) string {
	ct := c.GetHeader("Content-Type")
	if idx := strings.Index(ct, "ty="); idx >= 0 {
		v := ct[idx+3:]
		if semi := strings.IndexByte(v, ';'); semi >= 0 {
			v = v[:semi]
		}
		return strings.TrimSpace(v)
	}
	return c.Query("ty")
}

func (s *Server) decodeBody(c *gin.Context, op dispatcher.Operation) (map[string]any, rsc.Code) {
	if op == dispatcher.OpRetrieve || op == dispatcher.OpDelete || op == dispatcher.OpDiscovery {
		return map[string]any{}, 0
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, rsc.BadRequest
	}
	if len(body) == 0 {
		return map[string]any{}, 0
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, rsc.BadRequest
	}

	// A oneM2M body wraps attributes under a single type-qualified key
	// (e.g. "m2m:ae"); unwrap it so the Dispatcher sees a flat attribute
	// map, and fall back to treating the body as already-flat when it
	// isn't wrapped (PATCH-as-DELETE carries no meaningful body).
	if len(envelope) == 1 {
		for _, v := range envelope {
			if inner, ok := v.(map[string]any); ok {
				return inner, 0
			}
		}
	}
	return envelope, 0
}

func rcnFromQuery(c *gin.Context) int {
	if v := c.Query("rcn"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return dispatcher.RCNAttributes
}

func responseTypeFromQuery(c *gin.Context) dispatcher.ResponseType {
	switch c.Query("rt") {
	case "1":
		return dispatcher.RTNonBlockingSync
	case "2":
		return dispatcher.RTNonBlockingAsync
	case "3":
		return dispatcher.RTFlexBlocking
	case "4":
		return dispatcher.RTNoResponse
	default:
		return dispatcher.RTBlocking
	}
}

// filterCriteriaFromQuery maps the oneM2M fu/fo/fc.* discovery query
// parameters (spec.md §6.1) onto the Dispatcher's generic FC map.
func filterCriteriaFromQuery(c *gin.Context, isDiscovery bool) map[string]any {
	if !isDiscovery {
		return nil
	}

	fc := map[string]any{}
	if ty := c.Query("fc.ty"); ty != "" {
		parts := strings.Split(ty, ",")
		typed := make([]any, 0, len(parts))
		for _, p := range parts {
			if n, err := strconv.Atoi(p); err == nil {
				typed = append(typed, n)
			}
		}
		fc["ty"] = typed
	}
	if lbl := c.Query("fc.lbl"); lbl != "" {
		parts := strings.Split(lbl, ",")
		labels := make([]any, 0, len(parts))
		for _, p := range parts {
			labels = append(labels, p)
		}
		fc["lbl"] = labels
	}
	if attrs := c.Query("attributes"); attrs != "" {
		fc["attributes"] = strings.Split(attrs, ",")
	}
	return fc
}

func (s *Server) writeResponse(c *gin.Context, resp *dispatcher.Response) {
	c.Header("X-M2M-RSC", strconv.Itoa(int(resp.RSC)))
	c.Header("X-M2M-RI", resp.RequestID)

	status := httpStatusFor(resp.RSC)
	if len(resp.PC) == 0 {
		c.Status(status)
		return
	}
	c.JSON(status, resp.PC)
}

func (s *Server) writeFailure(c *gin.Context, requestID string, code rsc.Code) {
	c.Header("X-M2M-RSC", strconv.Itoa(int(code)))
	if requestID != "" {
		c.Header("X-M2M-RI", requestID)
	}
	c.JSON(httpStatusFor(code), gin.H{"error": code.String()})
}

// httpStatusFor maps a oneM2M RSC onto the closest HTTP status, following
// the oneM2M HTTP binding's conventional RSC→status table.
func httpStatusFor(code rsc.Code) int {
	switch {
	case code == rsc.Created:
		return http.StatusCreated
	case code == rsc.Deleted:
		return http.StatusNoContent
	case rsc.IsSuccess(code):
		return http.StatusOK
	case code == rsc.NotFound:
		return http.StatusNotFound
	case code == rsc.OriginatorHasNoPrivilege || code == rsc.ReceiverHasNoPrivilege:
		return http.StatusForbidden
	case code == rsc.RequestTimeout:
		return http.StatusRequestTimeout
	case code == rsc.Conflict || code == rsc.AlreadyExists || code == rsc.AlreadyRegistered:
		return http.StatusConflict
	case code == rsc.UnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case code >= 4000 && code < 5000:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
