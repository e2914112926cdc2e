package jsonrpc

import (
	"fmt"
	mathrand "math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator hands out request ids. Implementations must be safe for
// concurrent use and never repeat an id within a client.
type IDGenerator interface {
	NewID() string
}

// ULIDs generates monotonic ULIDs. The zero value is not usable; call NewULIDs.
type ULIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewULIDs returns a ULID generator seeded from the clock.
func NewULIDs() *ULIDs {
	return &ULIDs{
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewID returns the next ULID string.
func (g *ULIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// UUIDs generates random (version 4) UUIDs.
type UUIDs struct{}

// NewID returns a fresh UUID string.
func (UUIDs) NewID() string {
	return uuid.NewString()
}

// Counter numbers requests from a client-scoped counter.
type Counter struct {
	Prefix string
	next   atomic.Uint64
}

// NewID returns Prefix followed by the next counter value.
func (c *Counter) NewID() string {
	return c.Prefix + strconv.FormatUint(c.next.Add(1), 10)
}

// NewIDGenerator picks a generator by scheme name: "ulid" (also the empty
// string), "uuid" or "counter".
func NewIDGenerator(scheme string) (IDGenerator, error) {
	switch scheme {
	case "", "ulid":
		return NewULIDs(), nil
	case "uuid":
		return UUIDs{}, nil
	case "counter":
		return &Counter{Prefix: fmt.Sprintf("porthole-%d-", time.Now().UnixNano())}, nil
	default:
		return nil, fmt.Errorf("unknown id scheme %q", scheme)
	}
}
