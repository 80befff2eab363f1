package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/workpool"
)

// CallbackPayload is the body posted to a consumer callback.
type CallbackPayload struct {
	ID    string               `json:"id"`
	Event domain.CallbackEvent `json:"event"`
}

// HandlerFunc is an in-process callback.
type HandlerFunc func(ctx context.Context, emailID string, ev domain.CallbackEvent) error

// CallbackNotifier delivers callbacks either to a registered in-process
// handler (by name) or, when the handle is an http(s) URL, with a JSON POST.
type CallbackNotifier struct {
	client *http.Client

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewCallbackNotifier creates a notifier with the given HTTP timeout.
func NewCallbackNotifier(timeout time.Duration) *CallbackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CallbackNotifier{
		client:   &http.Client{Timeout: timeout},
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds an in-process handler to a handle name.
func (n *CallbackNotifier) Register(handle string, fn HandlerFunc) {
	n.mu.Lock()
	n.handlers[handle] = fn
	n.mu.Unlock()
}

// Notify implements Notifier.
func (n *CallbackNotifier) Notify(ctx context.Context, handler domain.EventHandler, emailID string, ev domain.CallbackEvent) error {
	n.mu.RLock()
	fn, ok := n.handlers[handler.Handle]
	n.mu.RUnlock()
	if ok {
		return fn(ctx, emailID, ev)
	}
	if !isHTTPHandle(handler.Handle) {
		return workpool.Permanent(fmt.Errorf("%w: unknown callback handle %q", ErrInvalidArgument, handler.Handle))
	}

	body, err := json.Marshal(CallbackPayload{ID: emailID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handler.Handle, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

func isHTTPHandle(h string) bool {
	return strings.HasPrefix(h, "http://") || strings.HasPrefix(h, "https://")
}
