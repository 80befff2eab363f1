package domain

import (
	"reflect"
	"time"
)

// EventHandler identifies where email events are delivered. Handle is either
// an http(s) URL or the name of an in-process handler.
type EventHandler struct {
	Handle string `json:"handle"`
}

// Options is the runtime configuration supplied with every send request.
// The last distinct value is persisted and read by batch runs and the webhook
// reconciler.
type Options struct {
	APIKey           string        `json:"api_key"`
	TestMode         bool          `json:"test_mode"`
	RetryAttempts    int           `json:"retry_attempts"`
	InitialBackoffMs int64         `json:"initial_backoff_ms"`
	OnEmailEvent     *EventHandler `json:"on_email_event,omitempty"`
	HandleClick      bool          `json:"handle_click,omitempty"`
}

// InitialBackoff returns the retry seed as a duration.
func (o Options) InitialBackoff() time.Duration {
	return time.Duration(o.InitialBackoffMs) * time.Millisecond
}

// Equal reports deep equality, including the event handler.
func (o Options) Equal(other Options) bool {
	return reflect.DeepEqual(o, other)
}
