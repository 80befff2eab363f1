package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/httputil"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/service/dispatch"
)

// Handlers serves the dispatch operations over HTTP.
type Handlers struct {
	svc     *dispatch.Service
	options domain.Options
}

// NewHandlers creates handlers that apply opts to every send.
func NewHandlers(svc *dispatch.Service, opts domain.Options) *Handlers {
	return &Handlers{svc: svc, options: opts}
}

// addressList accepts either a single address or an array of addresses.
type addressList []string

func (a *addressList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*a = nil
		} else {
			*a = addressList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("address must be a string or an array of strings")
	}
	*a = many
	return nil
}

type sendEmailRequest struct {
	From     string          `json:"from"`
	To       addressList     `json:"to"`
	CC       addressList     `json:"cc,omitempty"`
	BCC      addressList     `json:"bcc,omitempty"`
	Subject  string          `json:"subject"`
	HTML     *string         `json:"html,omitempty"`
	Text     *string         `json:"text,omitempty"`
	ReplyTo  addressList     `json:"reply_to,omitempty"`
	Headers  []domain.Header `json:"headers,omitempty"`
	TestMode *bool           `json:"test_mode,omitempty"`
}

type sendEmailResponse struct {
	ID string `json:"id"`
}

// SendEmail enqueues one email.
//
//	POST /emails
func (h *Handlers) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	opts := h.options
	if req.TestMode != nil {
		opts.TestMode = *req.TestMode
	}

	id, err := h.svc.SendEmail(r.Context(), opts, dispatch.SendRequest{
		From:    req.From,
		To:      req.To,
		CC:      req.CC,
		BCC:     req.BCC,
		Subject: req.Subject,
		HTML:    req.HTML,
		Text:    req.Text,
		ReplyTo: req.ReplyTo,
		Headers: req.Headers,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, sendEmailResponse{ID: id})
}

// CancelEmail cancels an email that has not been handed to the provider.
//
//	POST /emails/{id}/cancel
func (h *Handlers) CancelEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelEmail(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

// GetStatus returns the status projection of an email.
//
//	GET /emails/{id}/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, st)
}

// GetEmail returns an email with its bodies.
//
//	GET /emails/{id}
func (h *Handlers) GetEmail(w http.ResponseWriter, r *http.Request) {
	full, err := h.svc.GetFullEmail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, full)
}

// ListEvents returns the delivery events recorded for an email.
//
//	GET /emails/{id}/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.ListDeliveryEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []domain.DeliveryEvent{}
	}
	httputil.OK(w, map[string]interface{}{"events": events})
}

// writeServiceError maps dispatch sentinels to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrEmailNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, dispatch.ErrTestModeRecipient):
		httputil.ErrorWithCode(w, http.StatusUnprocessableEntity, "test_mode_recipient", err.Error())
	case dispatch.IsValidation(err):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, dispatch.ErrNotCancellable):
		httputil.Conflict(w, err.Error())
	default:
		logger.Error("[API] dispatch operation failed", "error", err)
		httputil.InternalError(w, err)
	}
}
