// Package portholetest provides an in-process JSON-RPC 2.0 host for tests.
package portholetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rexliu/porthole/pkg/jsonrpc"
	"github.com/rexliu/porthole/pkg/session"
	"github.com/rexliu/porthole/pkg/transport"
)

// Placeholder replaces payload elements the host cannot encode as JSON.
const Placeholder = "porthole: value could not be encoded as JSON"

// HandlerFunc runs an exposed procedure.
type HandlerFunc func(ctx context.Context, params []json.RawMessage) (any, error)

// HostError is a failure raised by a procedure: a category plus payload.
// Payload elements that cannot be encoded are sent as Placeholder.
type HostError struct {
	Type string
	Data []any
}

func (e *HostError) Error() string {
	return e.Type
}

// Host serves exposed procedures over HTTP.
type Host struct {
	srv *httptest.Server

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	username string
	password string
	delay    time.Duration
	override http.HandlerFunc

	requests atomic.Int64
}

// NewHost starts a host that is closed when tb finishes.
func NewHost(tb testing.TB) *Host {
	tb.Helper()
	h := &Host{handlers: make(map[string]HandlerFunc)}
	h.srv = httptest.NewServer(h)
	tb.Cleanup(h.Close)
	return h
}

// Expose installs a handler for method.
func (h *Host) Expose(method string, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = handler
}

// RequireAuth makes the host reject requests without these credentials.
func (h *Host) RequireAuth(username, password string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.username, h.password = username, password
}

// SetDelay holds every request for d before answering, as a busy host would.
func (h *Host) SetDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
}

// Override answers every request with fn instead of the JSON-RPC dispatcher.
func (h *Host) Override(fn http.HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.override = fn
}

// Requests returns how many HTTP requests reached the host.
func (h *Host) Requests() int {
	return int(h.requests.Load())
}

// Endpoint returns the host address with the credentials it expects.
func (h *Host) Endpoint() transport.Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return transport.Endpoint{Address: h.srv.Listener.Addr().String(), Username: h.username, Password: h.password}
}

// Port returns the TCP port the host listens on.
func (h *Host) Port() int {
	_, port, _ := net.SplitHostPort(h.srv.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Publish writes a session file for the host under name in reg.
func (h *Host) Publish(reg *session.Registry, name string) error {
	ep := h.Endpoint()
	return reg.Write(name, session.Info{Port: h.Port(), Username: ep.Username, Password: ep.Password})
}

// Close stops the host.
func (h *Host) Close() {
	h.srv.Close()
}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type wireResponse struct {
	JSONRPC string               `json:"jsonrpc"`
	Result  json.RawMessage      `json:"result,omitempty"`
	Error   *jsonrpc.ErrorObject `json:"error,omitempty"`
	ID      json.RawMessage      `json:"id"`
}

// ServeHTTP implements http.Handler.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)
	h.mu.RLock()
	override, delay := h.override, h.delay
	username, password := h.username, h.password
	h.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if override != nil {
		override(w, r)
		return
	}
	if username != "" || password != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != username || pass != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="porthole"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, h.dispatch(r.Context(), body))
}

func (h *Host) dispatch(ctx context.Context, body []byte) wireResponse {
	null := json.RawMessage("null")
	var req wireRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(null, jsonrpc.CodeParseError, "Parse error", underlying("json-parse-error", []any{err.Error()}))
	}
	id := req.ID
	if len(id) == 0 {
		id = null
	}
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		return errorResponse(id, jsonrpc.CodeInvalidRequest, "Invalid Request", nil)
	}
	var params []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(id, jsonrpc.CodeInvalidParams, "Invalid params", nil)
		}
	}
	handler := h.lookupHandler(req.Method)
	if handler == nil {
		return errorResponse(id, jsonrpc.CodeMethodNotFound, "Method not exposed", nil)
	}
	result, err := handler(ctx, params)
	if err != nil {
		var herr *HostError
		if !errors.As(err, &herr) {
			herr = &HostError{Type: "error", Data: []any{err.Error()}}
		}
		return errorResponse(id, jsonrpc.CodeInternalError, "Internal error", underlying(herr.Type, herr.Data))
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, jsonrpc.CodeInternalError, "Internal error", underlying("json-encode-error", []any{err.Error()}))
	}
	return wireResponse{JSONRPC: jsonrpc.Version, Result: raw, ID: id}
}

func (h *Host) lookupHandler(method string) HandlerFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[method]
}

func errorResponse(id json.RawMessage, code int, message string, data json.RawMessage) wireResponse {
	return wireResponse{
		JSONRPC: jsonrpc.Version,
		Error:   &jsonrpc.ErrorObject{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// underlying builds error.data with a lossy payload: each element that fails
// to encode is replaced by Placeholder.
func underlying(typ string, data []any) json.RawMessage {
	elems := make([]json.RawMessage, 0, len(data))
	for _, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			raw, _ = json.Marshal(Placeholder)
		}
		elems = append(elems, raw)
	}
	out, _ := json.Marshal(map[string]any{
		jsonrpc.UnderlyingErrorKey: map[string]any{"type": typ, "data": elems},
	})
	return out
}

func writeJSON(w http.ResponseWriter, resp wireResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// Echo returns its params unchanged.
func Echo(_ context.Context, params []json.RawMessage) (any, error) {
	if params == nil {
		params = []json.RawMessage{}
	}
	return params, nil
}
