// Package clock provides the connector's time source and packet ID service.
// Components take a Clock so tests can drive expiry and rate-limit windows
// deterministically.
package clock

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the time source used by every expiry comparison in the node.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// New returns the default system clock.
func New() Clock {
	return SystemClock{}
}

// MockClock is a settable clock for tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a mock clock pinned at the given instant.
func NewMock(now time.Time) *MockClock {
	return &MockClock{now: now}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set pins the mock clock to an absolute instant.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewPacketID returns a random 128-bit packet identifier encoded as
// unpadded base64url. IDs are unique per node lifetime with overwhelming
// probability; no coordination between nodes is required.
func NewPacketID() string {
	id := uuid.New()
	return EncodeBytes(id[:])
}

// EncodeBytes encodes binary wire fields (conditions, fulfillments,
// packet data) as unpadded base64url.
func EncodeBytes(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBytes reverses EncodeBytes.
func DecodeBytes(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
