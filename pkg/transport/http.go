package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout bounds a call when the caller supplies no timeout.
	DefaultTimeout = time.Second
	// DefaultMaxResponseBytes caps how much of a reply body is read.
	DefaultMaxResponseBytes = 32 << 20

	contentType  = "application/json"
	snippetLimit = 512
)

// Endpoint is a resolved host address plus optional basic-auth credentials.
type Endpoint struct {
	Address  string
	Username string
	Password string
}

// URL returns the address the call is posted to.
func (e Endpoint) URL() string {
	return "http://" + e.Address + "/"
}

func (e Endpoint) hasAuth() bool {
	return e.Username != "" || e.Password != ""
}

// Reply is a 200 response.
type Reply struct {
	Body        []byte
	ContentType string
}

// Kind classifies a failed exchange.
type Kind int

const (
	// Unreachable covers dial failures, including a wait that ends while dialing,
	// and any other failure to complete the exchange.
	Unreachable Kind = iota + 1
	// BadStatus means the host answered with a status other than 200.
	BadStatus
	// TimedOut means the wait elapsed after the host accepted the connection.
	TimedOut
	// Oversized means the host answered 200 with a body over the read limit.
	Oversized
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case BadStatus:
		return "bad status"
	case TimedOut:
		return "timed out"
	case Oversized:
		return "oversized response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrUnreachable = errors.New("host unreachable")
	ErrBadStatus   = errors.New("unexpected http status")
	ErrTimedOut    = errors.New("timed out waiting for host")
	ErrOversized   = errors.New("response body too large")
)

// Error reports a failed exchange.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == BadStatus:
		return fmt.Sprintf("post %s: http %d: %s", e.URL, e.StatusCode, e.Body)
	case e.Kind == Oversized:
		return fmt.Sprintf("post %s: %s: %v", e.URL, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("post %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("post %s: %s", e.URL, e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case BadStatus:
		sentinel = ErrBadStatus
	case TimedOut:
		sentinel = ErrTimedOut
	case Oversized:
		sentinel = ErrOversized
	default:
		sentinel = ErrUnreachable
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}

// Sender performs one exchange with a host.
type Sender interface {
	Send(ctx context.Context, ep Endpoint, body []byte, timeout time.Duration) (*Reply, error)
}

// HTTP posts request bodies over plain HTTP.
type HTTP struct {
	// Client defaults to a fresh http.Client. Its own Timeout, if any, also applies.
	Client *http.Client
	// MaxResponseBytes defaults to DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// NewHTTP returns an HTTP sender with defaults.
func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{}, MaxResponseBytes: DefaultMaxResponseBytes}
}

// Send posts body to ep exactly once and waits at most timeout for the reply.
// A zero or negative timeout means DefaultTimeout. If the wait ends before a
// connection is established the host is Unreachable; only a wait that ends
// afterwards is TimedOut. When ctx itself is cancelled or reaches its own
// deadline, the context error is returned unclassified.
func (t *HTTP) Send(ctx context.Context, ep Endpoint, body []byte, timeout time.Duration) (*Reply, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	url := ep.URL()
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var connected atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: Unreachable, URL: url, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	if ep.hasAuth() {
		req.SetBasicAuth(ep.Username, ep.Password)
	}

	resp, err := t.client().Do(req)
	if err != nil {
		return nil, classify(parent, url, err, connected.Load())
	}
	defer resp.Body.Close()

	limit := t.maxResponseBytes()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classify(parent, url, fmt.Errorf("read body: %w", err), true)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: BadStatus, URL: url, StatusCode: resp.StatusCode, Body: snippet(data)}
	}
	if int64(len(data)) > limit {
		return nil, &Error{Kind: Oversized, URL: url, StatusCode: resp.StatusCode, Body: snippet(data), Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}
	return &Reply{Body: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

func (t *HTTP) client() *http.Client {
	if t == nil || t.Client == nil {
		return http.DefaultClient
	}
	return t.Client
}

func (t *HTTP) maxResponseBytes() int64 {
	if t == nil || t.MaxResponseBytes <= 0 {
		return DefaultMaxResponseBytes
	}
	return t.MaxResponseBytes
}

func classify(parent context.Context, url string, err error, connected bool) error {
	if perr := parent.Err(); perr != nil {
		return fmt.Errorf("post %s: %w", url, perr)
	}
	timedOut := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timedOut = true
	}
	if timedOut && connected {
		return &Error{Kind: TimedOut, URL: url, Err: err}
	}
	return &Error{Kind: Unreachable, URL: url, Err: err}
}

func snippet(body []byte) string {
	if len(body) <= snippetLimit {
		return string(body)
	}
	return string(body[:snippetLimit]) + "..."
}
