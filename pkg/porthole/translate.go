package porthole

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"time"

	"github.com/rexliu/porthole/pkg/jsonrpc"
	"github.com/rexliu/porthole/pkg/session"
	"github.com/rexliu/porthole/pkg/transport"
)

// translateResolve maps a resolution failure. Invalid names are caller
// mistakes and pass through untouched, as does caller cancellation.
func translateResolve(server string, err error) error {
	if errors.Is(err, session.ErrInvalidServerName) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ConnectionError{Kind: KindServerNotRunning, Server: server, Err: err}
}

// translateTransport maps a failed exchange. Errors that are not transport
// failures (caller cancellation) pass through untouched. An oversized reply
// came from a host that answered, so it is malformed rather than unreachable.
func translateTransport(server, method string, timeout time.Duration, err error) error {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return err
	}
	switch terr.Kind {
	case transport.TimedOut:
		return &ConnectionError{Kind: KindTimeout, Server: server, Timeout: timeout, Err: err}
	case transport.BadStatus:
		return &ConnectionError{Kind: KindServerNotRunning, Server: server, StatusCode: terr.StatusCode, Err: err}
	case transport.Oversized:
		return &RPCError{Kind: KindMalformedResponse, Server: server, Method: method, Snippet: terr.Body, Err: err}
	default:
		return &ConnectionError{Kind: KindServerNotRunning, Server: server, Err: err}
	}
}

func malformed(server, method string, body []byte, err error) *RPCError {
	return &RPCError{
		Kind:    KindMalformedResponse,
		Server:  server,
		Method:  method,
		Snippet: jsonrpc.Snippet(body),
		Err:     err,
	}
}

// checkContentType rejects 200 replies that announce something other than
// JSON; those come from a different service listening on the port. An absent
// header is left to the decoder.
func checkContentType(contentType string) error {
	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("content type %q: %w", contentType, err)
	}
	if mediaType != "application/json" {
		return fmt.Errorf("unexpected content type %q", contentType)
	}
	return nil
}

// translateResponse maps the error member of a decoded response. It returns
// nil for a result. Codes that are not recognised keep all the detail the host
// sent under KindRPC.
func translateResponse(server, method string, resp *jsonrpc.Response) error {
	if resp == nil || resp.Error == nil {
		return nil
	}
	e := &RPCError{
		Kind:     kindForCode(resp.Error.Code),
		Server:   server,
		Method:   method,
		Code:     resp.Error.Code,
		Message:  resp.Error.Message,
		Data:     resp.Error.Data,
		Response: resp,
	}
	if under, ok := resp.Error.Underlying(); ok {
		e.UnderlyingType = under.Type
		e.UnderlyingData = under.Data
	}
	return e
}

func kindForCode(code int) Kind {
	switch code {
	case jsonrpc.CodeParseError:
		return KindParseError
	case jsonrpc.CodeInvalidRequest:
		return KindInvalidRequest
	case jsonrpc.CodeMethodNotFound:
		return KindMethodNotExposed
	case jsonrpc.CodeInvalidParams:
		return KindInvalidParams
	case jsonrpc.CodeInternalError:
		return KindInternalMethod
	default:
		return KindRPC
	}
}
