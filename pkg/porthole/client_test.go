package porthole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rexliu/porthole/pkg/jsonrpc"
	"github.com/rexliu/porthole/pkg/porthole/portholetest"
	"github.com/rexliu/porthole/pkg/session"
	"github.com/rexliu/porthole/pkg/transport"
)

const server = "python-test-server"

func sum(_ context.Context, params []json.RawMessage) (any, error) {
	total := 0
	for _, raw := range params {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, &portholetest.HostError{Type: "wrong-type-argument", Data: []any{"numberp", json.RawMessage(raw)}}
		}
		total += n
	}
	return total, nil
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *portholetest.Host) {
	t.Helper()
	host := portholetest.NewHost(t)
	host.Expose("+", sum)
	host.Expose("identity", portholetest.Echo)
	opts = append([]Option{WithResolver(StaticResolver{server: host.Endpoint()})}, opts...)
	return New(opts...), host
}

// replyWith makes the host answer every request with body, echoing the request id
// into the %s verb when present.
func replyWith(host *portholetest.Host, status int, contentType, body string) {
	host.Override(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		fmt.Fprintf(w, body, req.ID)
	})
}

func TestCallSuccess(t *testing.T) {
	c, host := newTestClient(t)
	result, err := c.Call(context.Background(), server, "+", []any{1, 2, 3})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != "6" {
		t.Fatalf("expected 6, got %s", result)
	}
	if host.Requests() != 1 {
		t.Fatalf("expected exactly one POST, got %d", host.Requests())
	}

	var n int
	if err := c.CallInto(context.Background(), server, "+", []any{4, 5}, &n); err != nil {
		t.Fatalf("call into: %v", err)
	}
	if n != 9 {
		t.Fatalf("expected 9, got %d", n)
	}
}

func TestCallFixedSuccessEnvelope(t *testing.T) {
	c, host := newTestClient(t)
	host.Override(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","result":6,"id":null}`))
	})
	result, err := c.Call(context.Background(), server, "+", []any{1, 2, 3})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != "6" {
		t.Fatalf("expected 6, got %s", result)
	}
}

func TestCallRoundTripsParams(t *testing.T) {
	c, _ := newTestClient(t)
	params := []any{"s", 1.5, false, nil, []any{"nested", 2.0}, map[string]any{"k": "v"}}
	result, err := c.Call(context.Background(), server, "identity", params)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got []any
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, params) {
		t.Fatalf("params changed in transit: %#v", got)
	}
}

func TestCallInternalMethodError(t *testing.T) {
	c, host := newTestClient(t)
	replyWith(host, http.StatusOK, "application/json",
		`{"jsonrpc":"2.0","error":{"code":-32603,"message":"Internal error","data":{"underlying-error":{"type":"wrong-type-argument","data":["stringp",1]}}},"id":"%s"}`)

	_, err := c.Call(context.Background(), server, "+", []any{1, "a"})
	if !errors.Is(err, ErrInternalMethod) || !errors.Is(err, ErrRPC) {
		t.Fatalf("expected internal method error, got %v", err)
	}
	if errors.Is(err, ErrConnection) {
		t.Fatal("rpc error must not match the connection layer")
	}
	var rerr *RPCError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RPCError, got %T", err)
	}
	if rerr.UnderlyingType != "wrong-type-argument" {
		t.Fatalf("expected wrong-type-argument, got %q", rerr.UnderlyingType)
	}
	if !reflect.DeepEqual(rerr.UnderlyingData, []any{"stringp", json.Number("1")}) {
		t.Fatalf("unexpected underlying data %#v", rerr.UnderlyingData)
	}
	if rerr.Response == nil || rerr.Code != jsonrpc.CodeInternalError {
		t.Fatalf("expected envelope and code attached, got %+v", rerr)
	}

	t.Run("raw does not raise", func(t *testing.T) {
		resp, err := c.CallRaw(context.Background(), server, "+", []any{1, "a"})
		if err != nil {
			t.Fatalf("call raw: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInternalError {
			t.Fatalf("expected error envelope, got %+v", resp)
		}
	})
}

func TestCallHostRaisedError(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Call(context.Background(), server, "+", []any{1, "two"})
	var rerr *RPCError
	if !errors.As(err, &rerr) || rerr.Kind != KindInternalMethod {
		t.Fatalf("expected internal method error, got %v", err)
	}
	if rerr.UnderlyingType != "wrong-type-argument" || len(rerr.UnderlyingData) != 2 || rerr.UnderlyingData[1] != "two" {
		t.Fatalf("unexpected underlying error %q %#v", rerr.UnderlyingType, rerr.UnderlyingData)
	}
}

func TestCallMethodNotExposed(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Call(context.Background(), server, "insert", []any{"this is some text"})
	if !errors.Is(err, ErrMethodNotExposed) {
		t.Fatalf("expected ErrMethodNotExposed, got %v", err)
	}

	resp, err := c.CallRaw(context.Background(), server, "insert", []any{"this is some text"})
	if err != nil {
		t.Fatalf("call raw should not raise, got %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeMethodNotFound || resp.HasResult() {
		t.Fatalf("expected not-exposed envelope, got %+v", resp)
	}
}

func TestCallReservedAndUnknownCodes(t *testing.T) {
	cases := []struct {
		code int
		kind Kind
		want error
	}{
		{jsonrpc.CodeParseError, KindParseError, ErrParseError},
		{jsonrpc.CodeInvalidRequest, KindInvalidRequest, ErrInvalidRequest},
		{jsonrpc.CodeInvalidParams, KindInvalidParams, ErrInvalidParams},
		{-32001, KindRPC, ErrRPC},
		{42, KindRPC, ErrRPC},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			c, host := newTestClient(t)
			body := fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":%d,"message":"custom","data":{"underlying-error":{"type":"quit","data":[]},"extra":true}},"id":"%%s"}`, tc.code)
			replyWith(host, http.StatusOK, "application/json", body)
			_, err := c.Call(context.Background(), server, "f", nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var rerr *RPCError
			if !errors.As(err, &rerr) || rerr.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %v", tc.kind, err)
			}
			if rerr.Code != tc.code || rerr.Message != "custom" || rerr.UnderlyingType != "quit" {
				t.Fatalf("diagnostics lost: %+v", rerr)
			}
			if len(rerr.Data) == 0 {
				t.Fatal("expected raw data to be kept")
			}
		})
	}
}

func TestCallServerNotRunning(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addr := ln.Addr().String()
		ln.Close()
		c := New(WithResolver(StaticResolver{server: {Address: addr}}))

		_, err = c.Call(context.Background(), server, "+", []any{1})
		assertNotRunning(t, err)
		_, err = c.CallRaw(context.Background(), server, "+", []any{1})
		assertNotRunning(t, err)
	})

	t.Run("http 500", func(t *testing.T) {
		c, host := newTestClient(t)
		replyWith(host, http.StatusInternalServerError, "text/plain", "oops %s")
		_, err := c.Call(context.Background(), server, "+", []any{1})
		assertNotRunning(t, err)
		var cerr *ConnectionError
		if !errors.As(err, &cerr) || cerr.StatusCode != http.StatusInternalServerError {
			t.Fatalf("expected status 500 recorded, got %v", err)
		}
		_, err = c.CallRaw(context.Background(), server, "+", []any{1})
		assertNotRunning(t, err)
	})

	t.Run("unknown server", func(t *testing.T) {
		c := New(WithResolver(StaticResolver{}))
		_, err := c.Call(context.Background(), "nobody", "+", nil)
		assertNotRunning(t, err)
		if !errors.Is(err, session.ErrNotRunning) {
			t.Fatalf("expected resolution cause to be kept, got %v", err)
		}
	})
}

func assertNotRunning(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrServerNotRunning) || !errors.Is(err, ErrConnection) {
		t.Fatalf("expected server not running, got %v", err)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRPC) {
		t.Fatalf("server not running must not match timeout or rpc, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	c, host := newTestClient(t, WithTimeout(5*time.Second))
	host.SetDelay(2 * time.Second)

	start := time.Now()
	_, err := c.Call(context.Background(), server, "+", []any{1}, Timeout(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, ErrConnection) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if errors.Is(err, ErrServerNotRunning) {
		t.Fatal("timeout must be distinguishable from server not running")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("call waited %s past its timeout", time.Since(start))
	}
	var cerr *ConnectionError
	if !errors.As(err, &cerr) || cerr.Timeout != 50*time.Millisecond {
		t.Fatalf("expected timeout recorded, got %+v", cerr)
	}

	_, err = c.CallRaw(context.Background(), server, "+", []any{1}, Timeout(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) || errors.Is(err, ErrServerNotRunning) {
		t.Fatalf("expected timeout from raw call, got %v", err)
	}
}

func TestCallMalformed(t *testing.T) {
	cases := map[string]struct {
		contentType string
		body        string
	}{
		"not json":        {"application/json", `this is not json %s`},
		"wrong version":   {"application/json", `{"jsonrpc":"1.0","result":1,"id":"%s"}`},
		"missing version": {"application/json", `{"result":1,"id":"%s"}`},
		"html":            {"text/html", `<html>%s</html>`},
		"other id":        {"application/json", `{"jsonrpc":"2.0","result":1,"id":"not-%s"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c, host := newTestClient(t)
			replyWith(host, http.StatusOK, tc.contentType, tc.body)

			_, err := c.Call(context.Background(), server, "+", nil)
			assertMalformed(t, err)
			_, err = c.CallRaw(context.Background(), server, "+", nil)
			assertMalformed(t, err)
		})
	}
}

func assertMalformed(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrMalformedResponse) || !errors.Is(err, ErrRPC) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	var rerr *RPCError
	if !errors.As(err, &rerr) || rerr.Snippet == "" {
		t.Fatalf("expected body snippet, got %+v", rerr)
	}
}

func TestCallInvalidServerName(t *testing.T) {
	var records int
	c := New(
		WithResolver(StaticResolver{}),
		WithObserver(ObserverFunc(func(context.Context, CallRecord) { records++ })),
	)
	_, err := c.Call(context.Background(), "bad_name", "+", nil)
	if !errors.Is(err, session.ErrInvalidServerName) {
		t.Fatalf("expected ErrInvalidServerName, got %v", err)
	}
	if _, ok := KindOf(err); ok {
		t.Fatal("argument errors are not part of the call taxonomy")
	}
	if records != 0 {
		t.Fatalf("expected no observed call, got %d", records)
	}
}

func TestCallConcurrentIDs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	observer := ObserverFunc(func(_ context.Context, rec CallRecord) {
		mu.Lock()
		defer mu.Unlock()
		if seen[rec.ID] {
			t.Errorf("request id %s reused", rec.ID)
		}
		seen[rec.ID] = true
	})
	c, _ := newTestClient(t, WithObserver(observer), WithIDGenerator(&jsonrpc.Counter{Prefix: "t-"}))

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := c.Call(context.Background(), server, "identity", []any{i})
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			var got []int
			if err := json.Unmarshal(result, &got); err != nil || len(got) != 1 || got[0] != i {
				t.Errorf("call %d got %s", i, result)
			}
		}(i)
	}
	wg.Wait()
	if len(seen) != workers {
		t.Fatalf("expected %d observed calls, got %d", workers, len(seen))
	}
}

func TestObserverStates(t *testing.T) {
	var got []CallState
	observer := ObserverFunc(func(_ context.Context, rec CallRecord) {
		if !rec.State.Terminal() {
			t.Errorf("observed non-terminal state %s", rec.State)
		}
		got = append(got, rec.State)
	})
	c, host := newTestClient(t, WithObserver(observer))

	c.Call(context.Background(), server, "+", []any{1})
	c.Call(context.Background(), server, "missing", nil)
	c.CallRaw(context.Background(), server, "missing", nil)
	host.SetDelay(2 * time.Second)
	c.Call(context.Background(), server, "+", nil, Timeout(50*time.Millisecond))
	host.SetDelay(0)
	replyWith(host, http.StatusOK, "application/json", "garbage %s")
	c.Call(context.Background(), server, "+", nil)
	host.Close()
	c.Call(context.Background(), server, "+", nil)

	want := []CallState{StateSucceeded, StateHostError, StateHostError, StateTimedOut, StateMalformed, StateConnectionFailed}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
}

func TestCallThroughSessionRegistry(t *testing.T) {
	reg, err := session.NewRegistry(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	host := portholetest.NewHost(t)
	host.Expose("+", sum)
	host.RequireAuth("abcde", "edcba")
	if err := host.Publish(reg, "editor"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := New(WithResolver(reg))
	result, err := c.Call(context.Background(), "editor", "+", []any{2, 2})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != "4" {
		t.Fatalf("expected 4, got %s", result)
	}

	t.Run("connection failure invalidates cache", func(t *testing.T) {
		moved := portholetest.NewHost(t)
		moved.Expose("+", sum)
		if err := moved.Publish(reg, "editor"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		host.Close()

		_, err := c.Call(context.Background(), "editor", "+", []any{1})
		assertNotRunning(t, err)

		result, err := c.Call(context.Background(), "editor", "+", []any{1, 1})
		if err != nil {
			t.Fatalf("call after re-resolve: %v", err)
		}
		if string(result) != "2" {
			t.Fatalf("expected 2, got %s", result)
		}
		if moved.Requests() != 1 {
			t.Fatalf("expected one request at the new host, got %d", moved.Requests())
		}
	})

	t.Run("wrong credentials", func(t *testing.T) {
		locked := portholetest.NewHost(t)
		locked.RequireAuth("user", "pass")
		c := New(WithResolver(StaticResolver{server: {Address: locked.Endpoint().Address}}))
		_, err := c.Call(context.Background(), server, "+", nil)
		var cerr *ConnectionError
		if !errors.As(err, &cerr) || cerr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 as server not running, got %v", err)
		}
	})
}

func TestCancelledContextIsNotClassified(t *testing.T) {
	c, host := newTestClient(t)
	host.SetDelay(2 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Call(ctx, server, "+", nil, Timeout(5*time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, ok := KindOf(err); ok {
		t.Fatalf("cancellation should not be translated, got %v", err)
	}
}

func TestCallerDeadlineIsNotClassified(t *testing.T) {
	c, host := newTestClient(t)
	host.SetDelay(2 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, server, "+", nil, Timeout(5*time.Second))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if _, ok := KindOf(err); ok {
		t.Fatalf("caller deadline should not be translated, got %v", err)
	}
}

func TestCallDeadlineWhileDialingIsNotRunning(t *testing.T) {
	var states []CallState
	sender := &transport.HTTP{Client: &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}}
	c := New(
		WithResolver(StaticResolver{server: {Address: "127.0.0.1:9"}}),
		WithTransport(sender),
		WithObserver(ObserverFunc(func(_ context.Context, rec CallRecord) { states = append(states, rec.State) })),
	)

	_, err := c.Call(context.Background(), server, "+", []any{1}, Timeout(50*time.Millisecond))
	assertNotRunning(t, err)
	_, err = c.CallRaw(context.Background(), server, "+", []any{1}, Timeout(50*time.Millisecond))
	assertNotRunning(t, err)
	if !reflect.DeepEqual(states, []CallState{StateConnectionFailed, StateConnectionFailed}) {
		t.Fatalf("expected connection failures, got %v", states)
	}
}

func TestCallOversizedReplyIsMalformed(t *testing.T) {
	var states []CallState
	c, _ := newTestClient(t,
		WithTransport(&transport.HTTP{MaxResponseBytes: 32}),
		WithObserver(ObserverFunc(func(_ context.Context, rec CallRecord) { states = append(states, rec.State) })),
	)
	_, err := c.Call(context.Background(), server, "identity", []any{strings.Repeat("x", 256)})
	assertMalformed(t, err)
	if errors.Is(err, ErrServerNotRunning) {
		t.Fatal("a host that answered must not look dead")
	}
	_, err = c.CallRaw(context.Background(), server, "identity", []any{strings.Repeat("x", 256)})
	assertMalformed(t, err)
	if !reflect.DeepEqual(states, []CallState{StateMalformed, StateMalformed}) {
		t.Fatalf("expected malformed states, got %v", states)
	}
}

type stubSender struct {
	reply *transport.Reply
	err   error
}

func (s stubSender) Send(context.Context, transport.Endpoint, []byte, time.Duration) (*transport.Reply, error) {
	return s.reply, s.err
}

func TestCallWithStubTransport(t *testing.T) {
	resolver := StaticResolver{server: {Address: "127.0.0.1:1"}}
	c := New(WithResolver(resolver), WithTransport(stubSender{
		err: &transport.Error{Kind: transport.TimedOut, URL: "http://127.0.0.1:1/"},
	}))
	_, err := c.Call(context.Background(), server, "+", nil)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, transport.ErrTimedOut) {
		t.Fatalf("expected timeout wrapping the transport error, got %v", err)
	}
}
