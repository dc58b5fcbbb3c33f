// Package notification implements the Subscription/Notification Engine
// (spec.md §4.6): it matches resource-change events against subscriptions,
// applies attribute and originator filters, batches where configured, and
// delivers `m2m:sgn` notifications to subscriber callback URLs.
package notification

import "time"

// NET identifies a notification event type (spec.md §4.6).
type NET int

const (
	NETUpdateOfResource          NET = 1
	NETDeleteOfResource          NET = 2
	NETCreateOfDirectChild       NET = 3
	NETDeleteOfDirectChild       NET = 4
	NETRetrieveOfContainerNoData NET = 5
	NETTriggerReceivedForAE      NET = 6
	NETBlockingUpdate            NET = 7
	NETReportOnMissingDataPoints NET = 8
	NETBlockingRetrieve          NET = 9
	NETBlockingRetrieveDirectChild NET = 10
)

// State is a subscription-target binding's position in the state machine
// described by spec.md §4.6: INITIAL → VERIFY_PENDING → ACTIVE →
// (BATCHING) → DELETING.
type State string

const (
	StateInitial      State = "INITIAL"
	StateVerifyPending State = "VERIFY_PENDING"
	StateActive       State = "ACTIVE"
	StateBatching     State = "BATCHING"
	StateDeleting     State = "DELETING"
)

// BatchPolicy is the `bn` (batchNotify) attribute: accumulate up to Num
// notifications or Dur, whichever comes first.
type BatchPolicy struct {
	Num int
	Dur time.Duration
}

// Subscription is the notification engine's working view of a
// `<subscription>` resource (spec.md §4.6's Data section), decoded from
// the generic model.Resource attribute map by the dispatcher.
type Subscription struct {
	RI                        string
	ParentRI                  string
	NotificationURIs          []string // nu
	EventTypes                []NET    // enc.net
	AttributeFilter           []string // enc attribute filter, empty = no filter
	NotificationContentType   int      // nct
	Batch                     *BatchPolicy // bn, nil = no batching
	SubscriberURI             string   // su
	ExpirationCounter         int      // exc, <=0 = unlimited
	StatsEnabled              bool     // nse
	VerificationRequested     bool     // enableSubscriptionVerificationRequests
	OriginatorACPI            []string // acpi applied to the subscription itself
}

// HasEventType reports whether net is among the subscription's watched
// event types.
func (s *Subscription) HasEventType(net NET) bool {
	for _, t := range s.EventTypes {
		if t == net {
			return true
		}
	}
	return false
}

// Notification is the `m2m:sgn` payload sent to a notification target.
type Notification struct {
	SubscriptionReference string         `json:"sur"`
	VerificationRequest   bool           `json:"vrq,omitempty"`
	NotificationEvent     *NotificationEvent `json:"nev,omitempty"`
	BatchedEvents         []*NotificationEvent `json:"nev_batch,omitempty"`
}

// NotificationEvent is the `nev` member of a notification: the event type
// and representation of the affected resource.
type NotificationEvent struct {
	NotificationEventType NET            `json:"net"`
	Representation        map[string]any `json:"rep,omitempty"`
	Timestamp             time.Time      `json:"timestamp"`
}

// DeliveryStatus captures the outcome of one notification attempt (no
// engine-level retry beyond the single delivery timeout).
type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusDropped   DeliveryStatus = "dropped" // backpressure discard
)

// Delivery records one attempted send to one target, for statistics
// (spec.md §6.3 statistics writer) and tests.
type Delivery struct {
	SubscriptionRI string
	Target         string
	Status         DeliveryStatus
	HTTPStatusCode int
	Err            error
	Attempted      time.Time
}
