package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType is the provider's name for a delivery lifecycle event.
type EventType string

const (
	EventSent            EventType = "email.sent"
	EventDelivered       EventType = "email.delivered"
	EventDeliveryDelayed EventType = "email.delivery_delayed"
	EventComplained      EventType = "email.complained"
	EventBounced         EventType = "email.bounced"
	EventOpened          EventType = "email.opened"
	EventClicked         EventType = "email.clicked"
	EventFailed          EventType = "email.failed"
)

// ErrInvalidEvent is returned when a webhook payload cannot be normalized.
var ErrInvalidEvent = errors.New("invalid email event")

// EventMeta carries the fields shared by every event variant.
type EventMeta struct {
	ResendID  string
	CreatedAt time.Time
}

// Meta returns the shared event fields.
func (m EventMeta) Meta() EventMeta { return m }

func (EventMeta) isEvent() {}

// Event is a normalized provider webhook event. The set of variants is closed:
// SentEvent, DeliveredEvent, DeliveryDelayedEvent, ComplainedEvent,
// BouncedEvent, OpenedEvent, ClickedEvent, FailedEvent and UnknownEvent.
type Event interface {
	Type() EventType
	Meta() EventMeta
	isEvent()
}

type SentEvent struct{ EventMeta }

type DeliveredEvent struct{ EventMeta }

type DeliveryDelayedEvent struct{ EventMeta }

type ComplainedEvent struct{ EventMeta }

type OpenedEvent struct{ EventMeta }

// BouncedEvent carries the provider's bounce description.
type BouncedEvent struct {
	EventMeta
	Message string
}

// ClickedEvent carries the click details. Clicks are not tracked per email.
type ClickedEvent struct {
	EventMeta
	Click Click
}

// FailedEvent carries the provider's failure reason.
type FailedEvent struct {
	EventMeta
	Reason string
}

// UnknownEvent is any event type this system does not act on.
type UnknownEvent struct {
	EventMeta
	RawType string
}

func (SentEvent) Type() EventType            { return EventSent }
func (DeliveredEvent) Type() EventType       { return EventDelivered }
func (DeliveryDelayedEvent) Type() EventType { return EventDeliveryDelayed }
func (ComplainedEvent) Type() EventType      { return EventComplained }
func (OpenedEvent) Type() EventType          { return EventOpened }
func (BouncedEvent) Type() EventType         { return EventBounced }
func (ClickedEvent) Type() EventType         { return EventClicked }
func (FailedEvent) Type() EventType          { return EventFailed }
func (e UnknownEvent) Type() EventType       { return EventType(e.RawType) }

// Click describes a tracked link click.
type Click struct {
	IPAddress string `json:"ipAddress"`
	Link      string `json:"link"`
	Timestamp string `json:"timestamp"`
	UserAgent string `json:"userAgent"`
}

type wireEvent struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID   string `json:"email_id"`
		CreatedAt string `json:"created_at"`
		Bounce    *struct {
			Message string `json:"message"`
		} `json:"bounce,omitempty"`
		Click  *Click `json:"click,omitempty"`
		Failed *struct {
			Reason string `json:"reason"`
		} `json:"failed,omitempty"`
	} `json:"data"`
}

// ParseEvent normalizes a raw provider webhook body into an Event.
// Unrecognized event types yield an UnknownEvent rather than an error.
func ParseEvent(body []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if w.Data.EmailID == "" {
		return nil, fmt.Errorf("%w: missing data.email_id", ErrInvalidEvent)
	}

	meta := EventMeta{ResendID: w.Data.EmailID, CreatedAt: parseEventTime(w.CreatedAt, w.Data.CreatedAt)}

	switch EventType(w.Type) {
	case EventSent:
		return SentEvent{meta}, nil
	case EventDelivered:
		return DeliveredEvent{meta}, nil
	case EventDeliveryDelayed:
		return DeliveryDelayedEvent{meta}, nil
	case EventComplained:
		return ComplainedEvent{meta}, nil
	case EventOpened:
		return OpenedEvent{meta}, nil
	case EventBounced:
		ev := BouncedEvent{EventMeta: meta}
		if w.Data.Bounce != nil {
			ev.Message = w.Data.Bounce.Message
		}
		return ev, nil
	case EventClicked:
		ev := ClickedEvent{EventMeta: meta}
		if w.Data.Click != nil {
			ev.Click = *w.Data.Click
		}
		return ev, nil
	case EventFailed:
		ev := FailedEvent{EventMeta: meta}
		if w.Data.Failed != nil {
			ev.Reason = w.Data.Failed.Reason
		}
		return ev, nil
	default:
		return UnknownEvent{EventMeta: meta, RawType: w.Type}, nil
	}
}

func parseEventTime(candidates ...string) time.Time {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07"} {
			if t, err := time.Parse(layout, c); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// CallbackEvent is the cleaned event forwarded to the consumer's handler.
// Only the normalized type, the provider id and minimal type-specific fields
// are carried, independent of the provider payload shape.
type CallbackEvent struct {
	Type EventType         `json:"type"`
	Data CallbackEventData `json:"data"`
}

type CallbackEventData struct {
	EmailID string          `json:"email_id"`
	Bounce  *CallbackBounce `json:"bounce,omitempty"`
	Failed  *CallbackFailed `json:"failed,omitempty"`
}

type CallbackBounce struct {
	Message string `json:"message"`
}

type CallbackFailed struct {
	Reason string `json:"reason"`
}

// NewCallbackEvent builds the cleaned form of ev.
func NewCallbackEvent(ev Event) CallbackEvent {
	out := CallbackEvent{Type: ev.Type(), Data: CallbackEventData{EmailID: ev.Meta().ResendID}}
	switch e := ev.(type) {
	case BouncedEvent:
		out.Data.Bounce = &CallbackBounce{Message: e.Message}
	case FailedEvent:
		out.Data.Failed = &CallbackFailed{Reason: e.Reason}
	}
	return out
}

// DeliveryEvent is one applied provider event, kept as a per-email history.
type DeliveryEvent struct {
	ID        int64     `json:"id"`
	EmailID   string    `json:"email_id"`
	ResendID  string    `json:"resend_id"`
	Type      EventType `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message,omitempty"`
}
