// Package dispatcher implements the Request dispatcher & protocol-agnostic
// request pipeline (spec.md §4.2): parse, validate, route, authorize, and
// execute CRUD+Notify+Discovery primitives independently of the binding
// that carried them in.
package dispatcher

import (
	"time"

	"github.com/ankraft/acme-cse/internal/rsc"
)

// Operation is a oneM2M primitive operation.
type Operation string

const (
	OpCreate    Operation = "CREATE"
	OpRetrieve  Operation = "RETRIEVE"
	OpUpdate    Operation = "UPDATE"
	OpDelete    Operation = "DELETE"
	OpNotify    Operation = "NOTIFY"
	OpDiscovery Operation = "DISCOVERY"
)

// ResponseType is the `rt` primitive parameter (spec.md §4.2).
type ResponseType string

const (
	RTBlocking     ResponseType = "blocking"
	RTNonBlockingSync  ResponseType = "nbSync"
	RTNonBlockingAsync ResponseType = "nbAsync"
	RTFlexBlocking ResponseType = "flexBlocking"
	RTNoResponse   ResponseType = "noResponse"
)

// Request is the canonical, binding-agnostic primitive (spec.md §4.1).
type Request struct {
	Operation Operation
	To        string         // target address (ri, srn, or one of the addressing forms)
	From      string         // originator
	RequestID string         // rqi
	PC        map[string]any // primitive content, already deserialized by the binding adapter
	RCN       int            // result content
	RT        ResponseType
	FC        map[string]any // filter criteria (discovery)
	OT        time.Time      // originating timestamp
	RQET      time.Time      // request expiration; zero = no deadline
	RSET      time.Time      // result expiration
	EC        int            // event category
	RVI       string         // release version indicator
	VSI       string
	DRT       int
	RTU       []string // response target URIs for nbAsync
	Origin    string   // binding that delivered the request: http|mqtt|ws|coap|internal
	HopCount  int
	Trail     []string // CSE-ID trail for forwarding loop detection
}

// Response is the canonical, normalized reply (spec.md §4.1: "Every
// outgoing response is normalized to { rsc, rqi, pc, from, to, ot }").
type Response struct {
	RSC       rsc.Code
	RequestID string
	PC        map[string]any
	From      string
	To        string
	OT        time.Time
}
