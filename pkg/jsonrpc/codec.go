package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a response body that is not a JSON-RPC 2.0 response.
var ErrMalformed = errors.New("malformed json-rpc response")

// snippetLimit bounds how much of a bad body is kept for diagnostics.
const snippetLimit = 512

// DecodeError describes why a body could not be decoded.
type DecodeError struct {
	Reason  string
	Snippet string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrMalformed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

// Snippet returns at most snippetLimit bytes of body for error reports.
func Snippet(body []byte) string {
	if len(body) <= snippetLimit {
		return string(body)
	}
	return string(body[:snippetLimit]) + "..."
}

// Encode builds the body of a request. A nil params is sent as an empty array.
func Encode(method string, params []any, id string) ([]byte, error) {
	if method == "" {
		return nil, errors.New("encode request: method required")
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	return body, nil
}

// Decode parses a response body and checks its envelope.
func Decode(body []byte) (*Response, error) {
	malformed := func(reason string, err error) error {
		return &DecodeError{Reason: reason, Snippet: Snippet(body), Err: err}
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(body, &members); err != nil {
		return nil, malformed("body is not a json object", err)
	}
	if members == nil {
		return nil, malformed("body is not a json object", nil)
	}

	var version string
	if raw, ok := members["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != Version {
		return nil, malformed(`missing "jsonrpc": "2.0"`, nil)
	}

	id, ok := members["id"]
	if !ok || !validID(id) {
		return nil, malformed("missing or invalid id", nil)
	}

	result, hasResult := members["result"]
	rawErr, hasError := members["error"]
	if hasResult && hasError && isNull(rawErr) {
		// some hosts send "error": null next to a result
		hasError = false
	}
	if hasResult == hasError {
		return nil, malformed("expected exactly one of result and error", nil)
	}

	resp := &Response{JSONRPC: version, ID: id}
	if hasResult {
		resp.Result = result
		return resp, nil
	}
	errObj, err := decodeErrorObject(rawErr)
	if err != nil {
		return nil, malformed("invalid error member", err)
	}
	resp.Error = errObj
	return resp, nil
}

func decodeErrorObject(raw json.RawMessage) (*ErrorObject, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	if members == nil {
		return nil, errors.New("error is null")
	}
	code, ok := members["code"]
	if !ok {
		return nil, errors.New("error.code missing")
	}
	message, ok := members["message"]
	if !ok {
		return nil, errors.New("error.message missing")
	}
	out := &ErrorObject{}
	if err := json.Unmarshal(code, &out.Code); err != nil {
		return nil, fmt.Errorf("error.code: %w", err)
	}
	if err := json.Unmarshal(message, &out.Message); err != nil {
		return nil, fmt.Errorf("error.message: %w", err)
	}
	if data, ok := members["data"]; ok && !isNull(data) {
		out.Data = data
	}
	return out, nil
}

func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case '"', 'n':
		return true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	default:
		return false
	}
}
