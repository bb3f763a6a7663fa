package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/splax/devport/internal/queue"
	"github.com/splax/devport/internal/repository"
	"github.com/splax/devport/internal/service/deploy"
	"github.com/splax/devport/internal/ws"
)

const (
	sseIdleHeartbeat = 15 * time.Second
	sseIdleCheck     = 5 * time.Second
)

// errorBody is the shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends msg along with a code clients can switch on.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: errorCode(status)})
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "owner_required"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	if status >= http.StatusInternalServerError {
		return "internal"
	}
	return "request_failed"
}

// writeServiceError maps deploy, repository and queue errors onto responses. Anything
// unexpected is logged and hidden from the caller.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, deploy.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment or project not found")
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found in failed list")
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// openEventStream commits the response to Server-Sent Events.
func (r *Router) openEventStream(w http.ResponseWriter) (*ws.SSEClient, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return ws.NewSSEClient(w, flusher, r.logger), true
}

// pingIfIdle sends a heartbeat only when nothing was written for sseIdleHeartbeat.
func pingIfIdle(client *ws.SSEClient) error {
	if time.Since(client.LastActivity()) < sseIdleHeartbeat {
		return nil
	}
	return client.Heartbeat()
}

// holdEventStream keeps an SSE response open until the request or the stream ends.
func holdEventStream(ctx context.Context, client *ws.SSEClient) {
	ticker := time.NewTicker(sseIdleCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := pingIfIdle(client); err != nil {
				return
			}
		}
	}
}
