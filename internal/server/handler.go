package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/antiproxy/antiproxy/internal/codec"
	"github.com/antiproxy/antiproxy/internal/dispatch"
	"github.com/antiproxy/antiproxy/internal/stream"
)

// ModelInfo describes one model this gateway will accept in the
// "model" field of a /v1/messages request.
type ModelInfo struct {
	ID               string `json:"id"`
	DisplayName      string `json:"display_name"`
	ContextWindow    int    `json:"context_window"`
	SupportsThinking bool   `json:"-"`
}

// SupportedModels lists the Gemini models GET /v1/models advertises,
// under their Gemini identifiers (spec.md §6).
var SupportedModels = []ModelInfo{
	{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", ContextWindow: 1_048_576, SupportsThinking: true},
	{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", ContextWindow: 1_048_576, SupportsThinking: true},
}

// handleHealth is a liveness probe; it does not check pool or upstream
// health, only that the process is serving requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleModels responds to GET /v1/models with the static model list.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": s.models})
}

// handleAccounts responds to GET /v1/accounts with a credential-free
// diagnostic snapshot of the pool, for operators.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"accounts": s.pool.Snapshot()})
}

// handleMessages handles POST /v1/messages: it parses the Anthropic wire
// request, dispatches it through the engine, and writes either a
// one-shot JSON response or an SSE stream depending on the request's
// stream field.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}

	req, err := codec.ParseAnthropicRequest(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	if req.Stream {
		s.handleMessagesStream(w, r, req)
		return
	}

	resp, err := s.engine.Send(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	payload, err := codec.MarshalAnthropicResponse(resp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func (s *Server) handleMessagesStream(w http.ResponseWriter, r *http.Request, req *codec.Request) {
	sw, err := stream.NewWriter(w, req.Model)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	if err := s.engine.SendStream(r.Context(), req, sw); err != nil {
		var dispatchErr *dispatch.Error
		if errors.As(err, &dispatchErr) {
			_ = sw.Write(stream.Event{
				Type:         stream.EventError,
				ErrorKind:    stream.ErrorKind(dispatchErr.Kind),
				ErrorMessage: dispatchErr.Message,
			})
			return
		}
		_ = sw.Write(stream.Event{
			Type:         stream.EventError,
			ErrorKind:    stream.UpstreamDisconnect,
			ErrorMessage: err.Error(),
		})
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	var dispatchErr *dispatch.Error
	if errors.As(err, &dispatchErr) {
		if dispatchErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dispatchErr.RetryAfter))
		}
		writeJSONError(w, dispatchErr.HTTPStatus(), errorType(dispatchErr.Kind), dispatchErr.Message)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "api_error", err.Error())
}

func errorType(kind dispatch.ErrorKind) string {
	switch kind {
	case dispatch.QuotaExhausted, dispatch.NoAccountsAvailable, dispatch.MaxRetriesExceeded:
		return "rate_limit_error"
	case dispatch.BadRequest:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
