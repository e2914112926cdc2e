// Package jsonrpc encodes requests and strictly decodes responses of JSON-RPC 2.0.
package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Version is the only protocol version spoken on the wire.
const Version = "2.0"

// Reserved JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700 // Invalid JSON was received by the host.
	CodeInvalidRequest = -32600 // The JSON sent is not a valid Request object.
	CodeMethodNotFound = -32601 // The method does not exist or is not exposed.
	CodeInvalidParams  = -32602 // Invalid method parameter(s).
	CodeInternalError  = -32603 // The method ran and signalled an error.
)

// UnderlyingErrorKey is the member of error.data carrying the host-side failure.
const UnderlyingErrorKey = "underlying-error"

// Request models a JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      string `json:"id"`
}

// Response models a decoded JSON-RPC 2.0 response. After Decode exactly one
// of Result and Error is set; a JSON null result is kept as the literal null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// UnderlyingError is the host-side failure attached to an error response:
// a category name and the ordered payload that came with it.
type UnderlyingError struct {
	Type string `json:"type"`
	Data []any  `json:"data"`
}

// HasResult reports whether the response carries a result member.
func (r *Response) HasResult() bool {
	return r != nil && r.Result != nil
}

// MatchesID reports whether the response answers the request with id. A null
// id is accepted: hosts reply with null when they could not read the request.
func (r *Response) MatchesID(id string) bool {
	if r == nil {
		return false
	}
	raw := bytes.TrimSpace(r.ID)
	if bytes.Equal(raw, []byte("null")) {
		return true
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}
	return got == id
}

// Underlying extracts data["underlying-error"]. The payload is lossy by
// nature: hosts substitute a placeholder string for values they cannot encode,
// and a payload that is not a sequence is returned as a one-element sequence.
func (e *ErrorObject) Underlying() (*UnderlyingError, bool) {
	if e == nil || len(e.Data) == 0 {
		return nil, false
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, false
	}
	raw, ok := data[UnderlyingErrorKey]
	if !ok || isNull(raw) {
		return nil, false
	}
	var wire struct {
		Type json.RawMessage `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, false
	}
	out := &UnderlyingError{}
	if len(wire.Type) > 0 && !isNull(wire.Type) {
		if err := json.Unmarshal(wire.Type, &out.Type); err != nil {
			out.Type = string(wire.Type)
		}
	}
	out.Data = decodeSequence(wire.Data)
	return out, true
}

func decodeSequence(raw json.RawMessage) []any {
	if len(raw) == 0 || isNull(raw) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return []any{string(raw)}
	}
	if seq, ok := v.([]any); ok {
		return seq
	}
	return []any{v}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
