package domain

import "time"

// Status enumerates the delivery states of an outbound email.
type Status string

const (
	StatusWaiting         Status = "waiting"
	StatusQueued          Status = "queued"
	StatusCancelled       Status = "cancelled"
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusDeliveryDelayed Status = "delivery_delayed"
	StatusBounced         Status = "bounced"
	StatusFailed          Status = "failed"
)

// IsTerminal returns true once the email has a final delivery outcome.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether a user may still cancel the email.
func (s Status) IsCancellable() bool {
	return s == StatusWaiting || s == StatusQueued
}

// FinalizedNever is the finalizedAt value of an email that has not reached a
// terminal outcome yet. It sorts after every real timestamp.
var FinalizedNever = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Header is a custom header attached to an outbound email.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Email is one outbound message and its delivery state.
type Email struct {
	ID            string   `json:"id"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	CC            []string `json:"cc,omitempty"`
	BCC           []string `json:"bcc,omitempty"`
	Subject       string   `json:"subject"`
	ReplyTo       []string `json:"reply_to"`
	HTMLContentID string   `json:"html_content_id,omitempty"`
	TextContentID string   `json:"text_content_id,omitempty"`
	Headers       []Header `json:"headers,omitempty"`

	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Complained   bool      `json:"complained"`
	Opened       bool      `json:"opened"`
	ResendID     string    `json:"resend_id,omitempty"`
	Segment      int64     `json:"segment"`
	FinalizedAt  time.Time `json:"finalized_at"`
	CreatedAt    time.Time `json:"created_at"`

	// BatchID is the idempotency key of the provider batch that claimed the
	// email. It is set when the email leaves waiting.
	BatchID string `json:"batch_id,omitempty"`
}

// IsFinalized returns true if a finalization timestamp has been recorded.
func (e *Email) IsFinalized() bool {
	return e.FinalizedAt.Before(FinalizedNever)
}

// ContentIDs returns the ids of the content rows owned by the email.
func (e *Email) ContentIDs() []string {
	var ids []string
	if e.HTMLContentID != "" {
		ids = append(ids, e.HTMLContentID)
	}
	if e.TextContentID != "" {
		ids = append(ids, e.TextContentID)
	}
	return ids
}

// Content is an immutable body blob referenced by exactly one email field.
type Content struct {
	ID       string `json:"id"`
	Content  []byte `json:"-"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Path     string `json:"path,omitempty"`
}

const (
	MimeTypeHTML = "text/html"
	MimeTypeText = "text/plain"
)

// EmailStatus is the consumer-facing projection of an email's state.
type EmailStatus struct {
	Status       Status  `json:"status"`
	ErrorMessage *string `json:"error_message"`
	Complained   bool    `json:"complained"`
	Opened       bool    `json:"opened"`
}

// FullEmail is an email together with its decoded bodies.
type FullEmail struct {
	Email Email   `json:"email"`
	HTML  *string `json:"html,omitempty"`
	Text  *string `json:"text,omitempty"`
}

// BatchRun is the single pending scheduler invocation. Its existence is the
// "a scheduler iteration is already pending" token.
type BatchRun struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}
