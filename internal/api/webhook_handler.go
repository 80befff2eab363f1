package api

import (
	"errors"
	"net/http"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/httputil"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/service/dispatch"
)

// ResendWebhook ingests one provider event. An event whose provider id is
// not on any email yet gets a 404 and a store failure gets a 500. The
// provider redelivers both, so an event that outruns the commit of its send
// is applied on a later attempt.
//
//	POST /webhooks/resend
func (h *Handlers) ResendWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := httputil.ReadBody(w, r)
	if !ok {
		return
	}

	ev, err := domain.ParseEvent(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	err = h.svc.HandleEvent(r.Context(), ev)
	switch {
	case err == nil:
		httputil.OK(w, map[string]string{"status": "ok"})
	case errors.Is(err, dispatch.ErrEmailNotFound):
		logger.Warn("[Webhook] event for unknown email", "resend_id", ev.Meta().ResendID, "type", string(ev.Type()))
		httputil.ErrorWithCode(w, http.StatusNotFound, "email_not_found", "no email for provider id "+ev.Meta().ResendID)
	default:
		logger.Error("[Webhook] failed to apply event", "resend_id", ev.Meta().ResendID, "error", err)
		httputil.InternalError(w, err)
	}
}
