// Package porthole calls procedures exposed by a local host over JSON-RPC 2.0
// on HTTP and sorts failures into connection and RPC errors.
package porthole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rexliu/porthole/pkg/jsonrpc"
	"github.com/rexliu/porthole/pkg/session"
	"github.com/rexliu/porthole/pkg/transport"
)

// DefaultTimeout is used when neither the client nor the call sets one.
const DefaultTimeout = transport.DefaultTimeout

// Resolver maps a server name to an address. Resolvers that cache may also
// implement Invalidate(server string); it is called after a connection failure.
type Resolver interface {
	Resolve(ctx context.Context, server string) (transport.Endpoint, error)
}

type invalidator interface {
	Invalidate(server string)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[string]transport.Endpoint

// Resolve looks server up in the table.
func (r StaticResolver) Resolve(_ context.Context, server string) (transport.Endpoint, error) {
	if err := session.ValidateServerName(server); err != nil {
		return transport.Endpoint{}, err
	}
	ep, ok := r[server]
	if !ok {
		return transport.Endpoint{}, fmt.Errorf("%w: no address known for %q", session.ErrNotRunning, server)
	}
	return ep, nil
}

type brokenResolver struct{ err error }

func (r brokenResolver) Resolve(context.Context, string) (transport.Endpoint, error) {
	return transport.Endpoint{}, r.err
}

// Client issues calls. It holds no per-call state and is safe for concurrent use.
type Client struct {
	resolver Resolver
	sender   transport.Sender
	ids      jsonrpc.IDGenerator
	timeout  time.Duration
	log      *zerolog.Logger
	observer Observer
}

// Option configures a Client.
type Option func(*Client)

// WithResolver sets how server names are resolved. The default reads session
// files from session.DefaultDir.
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithTransport replaces the HTTP sender.
func WithTransport(s transport.Sender) Option {
	return func(c *Client) { c.sender = s }
}

// WithTimeout sets the wait bound for calls that do not pass their own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithIDGenerator sets the request id source.
func WithIDGenerator(g jsonrpc.IDGenerator) Option {
	return func(c *Client) { c.ids = g }
}

// WithLogger sets the fallback logger. A logger attached to the call context
// with zerolog's WithContext takes precedence.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = &log }
}

// WithObserver registers an observer for finished calls.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// New builds a Client.
func New(opts ...Option) *Client {
	c := &Client{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		reg, err := session.NewRegistry("", session.DefaultCacheSize)
		if err != nil {
			c.resolver = brokenResolver{err: fmt.Errorf("%w: %v", session.ErrNotRunning, err)}
		} else {
			c.resolver = reg
		}
	}
	if c.sender == nil {
		c.sender = transport.NewHTTP()
	}
	if c.ids == nil {
		c.ids = jsonrpc.NewULIDs()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.log == nil {
		nop := zerolog.Nop()
		c.log = &nop
	}
	return c
}

var (
	defaultOnce   sync.Once
	defaultClient *Client
)

// Default returns the shared client used by the package-level functions.
func Default() *Client {
	defaultOnce.Do(func() {
		defaultClient = New()
	})
	return defaultClient
}

// Call invokes method on server with the default client and timeout.
func Call(server, method string, params ...any) (json.RawMessage, error) {
	return Default().Call(context.Background(), server, method, params)
}

// CallRaw returns the whole response envelope using the default client.
func CallRaw(server, method string, params ...any) (*jsonrpc.Response, error) {
	return Default().CallRaw(context.Background(), server, method, params)
}

// CallOption adjusts a single call.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// Timeout bounds the wait of one call, overriding the client default.
func Timeout(d time.Duration) CallOption {
	return func(cfg *callConfig) { cfg.timeout = d }
}

// Call invokes method and returns its result. Host-side errors come back as
// *RPCError, transport failures as *ConnectionError.
func (c *Client) Call(ctx context.Context, server, method string, params []any, opts ...CallOption) (json.RawMessage, error) {
	resp, hostErr, err := c.exchange(ctx, server, method, params, opts)
	if err != nil {
		return nil, err
	}
	if hostErr != nil {
		return nil, hostErr
	}
	return resp.Result, nil
}

// CallInto is Call followed by unmarshalling the result into out.
func (c *Client) CallInto(ctx context.Context, server, method string, params []any, out any, opts ...CallOption) error {
	result, err := c.Call(ctx, server, method, params, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode result of %s: %w", method, err)
	}
	return nil
}

// CallRaw invokes method and returns the decoded envelope as received. Only
// connection failures and malformed responses are returned as errors; an
// error member is left for the caller to interpret.
func (c *Client) CallRaw(ctx context.Context, server, method string, params []any, opts ...CallOption) (*jsonrpc.Response, error) {
	resp, _, err := c.exchange(ctx, server, method, params, opts)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// exchange runs encode, resolve, send and decode. err covers everything that
// prevents a usable envelope; hostErr is the translation of an error member.
func (c *Client) exchange(ctx context.Context, server, method string, params []any, opts []CallOption) (resp *jsonrpc.Response, hostErr, err error) {
	cfg := callConfig{timeout: c.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = c.timeout
	}

	rec := CallRecord{Server: server, Method: method, ID: c.ids.NewID(), State: StateBuilt, Started: time.Now()}
	body, err := jsonrpc.Encode(method, params, rec.ID)
	if err != nil {
		return nil, nil, err
	}
	log := c.logger(ctx).With().
		Str("server", server).
		Str("method", method).
		Str("request_id", rec.ID).
		Logger()

	ep, err := c.resolver.Resolve(ctx, server)
	if err != nil {
		err = translateResolve(server, err)
		if _, ok := KindOf(err); !ok {
			return nil, nil, err
		}
		log.Warn().Err(err).Msg("Failed to resolve server")
		c.finish(ctx, &rec, StateConnectionFailed, err)
		return nil, nil, err
	}

	rec.State = StateSent
	log.Debug().Str("address", ep.Address).Dur("timeout", cfg.timeout).Msg("Sending call")
	reply, err := c.sender.Send(ctx, ep, body, cfg.timeout)
	if err != nil {
		err = translateTransport(server, method, cfg.timeout, err)
		if inv, ok := c.resolver.(invalidator); ok && errors.Is(err, ErrConnection) {
			inv.Invalidate(server)
		}
		state := StateConnectionFailed
		switch {
		case errors.Is(err, ErrTimeout):
			state = StateTimedOut
		case errors.Is(err, ErrMalformedResponse):
			state = StateMalformed
		}
		log.Warn().Err(err).Stringer("state", state).Msg("Call failed before a usable response arrived")
		c.finish(ctx, &rec, state, err)
		return nil, nil, err
	}

	if err := checkContentType(reply.ContentType); err != nil {
		merr := malformed(server, method, reply.Body, err)
		log.Warn().Err(merr).Msg("Received a non-JSON reply")
		c.finish(ctx, &rec, StateMalformed, merr)
		return nil, nil, merr
	}
	resp, err = jsonrpc.Decode(reply.Body)
	if err != nil {
		merr := malformed(server, method, reply.Body, err)
		log.Warn().Err(merr).Msg("Received a malformed response")
		c.finish(ctx, &rec, StateMalformed, merr)
		return nil, nil, merr
	}
	if !resp.MatchesID(rec.ID) {
		merr := malformed(server, method, reply.Body, fmt.Errorf("response id %s does not match request id %q", resp.ID, rec.ID))
		log.Warn().Err(merr).Msg("Received a response for another request")
		c.finish(ctx, &rec, StateMalformed, merr)
		return nil, nil, merr
	}

	hostErr = translateResponse(server, method, resp)
	if hostErr != nil {
		log.Debug().Err(hostErr).Msg("Host returned an error")
		c.finish(ctx, &rec, StateHostError, hostErr)
		return resp, hostErr, nil
	}
	log.Debug().Msg("Call succeeded")
	c.finish(ctx, &rec, StateSucceeded, nil)
	return resp, nil, nil
}

func (c *Client) finish(ctx context.Context, rec *CallRecord, state CallState, err error) {
	rec.State = state
	rec.Err = err
	rec.Duration = time.Since(rec.Started)
	if c.observer != nil {
		c.observer.ObserveCall(ctx, *rec)
	}
}

func (c *Client) logger(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if ctxLog := zerolog.Ctx(ctx); ctxLog != nil && ctxLog.GetLevel() != zerolog.Disabled {
			return ctxLog
		}
	}
	return c.log
}
