// Package envelope defines the JSON wire format shared by every peer of the
// Network Manager: Clients, Services, and the Manager itself all exchange
// the same Envelope shape over a terminator-delimited byte stream.
package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// NotificationUUID is the reserved uuid value that marks a reply-shaped
// envelope as a Service-originated notification rather than a correlated
// reply. It must never collide with a uuid generated for an outstanding
// request, so it is fixed at import time rather than derived from the
// request-uuid generator.
const NotificationUUID = "d7e55e5a-26c8-4e1b-9f0e-8a9a6e5e8a4c"

// Envelope is the single wire type for requests, replies, errors, and
// notifications. Only the fields relevant to a given message kind are
// populated; the others are omitted from the JSON so that request and
// reply shapes on the wire follow section 3 of the network specification.
// uuid and error are always written; a nil result and an empty requester
// are omitted, so an error envelope carries no "result": null.
type Envelope struct {
	// Request fields (Client -> Manager -> Service).
	Service   string         `json:"service,omitempty"`
	Attribute string         `json:"attribute,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`

	// Shared correlation fields.
	UUID  string `json:"uuid"`
	Error bool   `json:"error"`

	// Reply / notification fields (Service -> Manager -> Client).
	Result    any    `json:"result,omitempty"`
	Requester string `json:"requester,omitempty"`

	// Error fields.
	Message   string   `json:"message,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

// NewUUID returns a fresh request-correlation token. Never returns
// NotificationUUID.
func NewUUID() string {
	return uuid.New().String()
}

// NewRequest builds a request envelope addressed to service.attribute.
func NewRequest(service, attribute string, args []any, kwargs map[string]any, id string) *Envelope {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return &Envelope{
		Service:   service,
		Attribute: attribute,
		Args:      args,
		Kwargs:    kwargs,
		UUID:      id,
	}
}

// NewReply builds a reply envelope for the given requester/uuid pair.
func NewReply(result any, requester, id string) *Envelope {
	return &Envelope{
		Result:    result,
		Requester: requester,
		UUID:      id,
	}
}

// NewNotification builds a reply-shaped envelope carrying the notification
// sentinel uuid. service names the emitting Service so a Client can route
// the payload to the correct per-link handler.
func NewNotification(service string, result any) *Envelope {
	return &Envelope{
		Service:   service,
		Result:    result,
		Requester: "",
		UUID:      NotificationUUID,
	}
}

// IsNotification reports whether e carries the notification sentinel.
func (e *Envelope) IsNotification() bool {
	return e.UUID == NotificationUUID
}

// NewError builds an error envelope. traceback may be nil.
func NewError(message string, traceback []string, requester, id string) *Envelope {
	return &Envelope{
		Error:     true,
		Message:   message,
		Traceback: traceback,
		Result:    nil,
		Requester: requester,
		UUID:      id,
	}
}

// IsReplyOrNotification reports whether e is reply-shaped, which per
// section 4.5 of the network specification is the first classification test
// the Manager dispatcher applies to an inbound envelope. A request built by
// NewRequest always carries a non-empty Attribute; a reply, error, or
// notification never does (NewNotification sets Service to the emitting
// Service's name but leaves Attribute empty), so Attribute alone is the
// discriminant — Service must not be part of the test, since that would
// misclassify every notification as a request.
func (e *Envelope) IsReplyOrNotification() bool {
	return e.Attribute == ""
}

// Clone returns a deep-enough copy of e suitable for fan-out to multiple
// Clients without them sharing mutable backing arrays/maps.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Args != nil {
		clone.Args = append([]any(nil), e.Args...)
	}
	if e.Kwargs != nil {
		clone.Kwargs = make(map[string]any, len(e.Kwargs))
		for k, v := range e.Kwargs {
			clone.Kwargs[k] = v
		}
	}
	if e.Traceback != nil {
		clone.Traceback = append([]string(nil), e.Traceback...)
	}
	return &clone
}

// ValidationError describes why an envelope failed Validate.
type ValidationError struct {
	Reason string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s", v.Reason)
}

// Validate checks the minimal structural invariants a decoded envelope must
// satisfy before the dispatcher classifies it.
func (e *Envelope) Validate() error {
	if e.Error {
		if e.Message == "" {
			return &ValidationError{Reason: "error envelope missing message"}
		}
		return nil
	}
	if e.IsReplyOrNotification() {
		return nil
	}
	if e.Attribute == "" {
		return &ValidationError{Reason: "request envelope missing attribute"}
	}
	return nil
}
