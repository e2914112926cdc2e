package porthole

import (
	"context"
	"time"
)

// CallState is where a call is in its life. Every call ends in exactly one
// terminal state and is never resumed; a failed call must be reissued.
type CallState int

const (
	StateBuilt CallState = iota
	StateSent
	StateSucceeded
	StateConnectionFailed
	StateTimedOut
	StateHostError
	StateMalformed
)

var stateNames = [...]string{
	StateBuilt:            "built",
	StateSent:             "sent",
	StateSucceeded:        "succeeded",
	StateConnectionFailed: "connection_failed",
	StateTimedOut:         "timed_out",
	StateHostError:        "host_error",
	StateMalformed:        "malformed",
}

func (s CallState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s CallState) Terminal() bool {
	return s >= StateSucceeded && int(s) < len(stateNames)
}

// CallRecord summarises one finished call.
type CallRecord struct {
	Server   string
	Method   string
	ID       string
	State    CallState
	Started  time.Time
	Duration time.Duration
	// Err is the translated error, also for host errors returned by CallRaw.
	Err error
}

// Observer is told about every call that reached the wire or failed to resolve.
// It runs synchronously on the calling goroutine after the exchange is over.
type Observer interface {
	ObserveCall(ctx context.Context, rec CallRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec CallRecord)

// ObserveCall calls f.
func (f ObserverFunc) ObserveCall(ctx context.Context, rec CallRecord) {
	f(ctx, rec)
}
