package pool

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// EventStore is the external persistence collaborator. The engine
// uses it only to cache remote-query results and to supply since-clamp
// values for the filter optimisation; it never depends on its
// durability guarantees.
type EventStore interface {
	Save(events []Event) (saved map[EventID]struct{})
	Query(f Filter) []Event
}

// Verifier checks a signature before an event is allowed to reach an
// on_events callback. A nil Verifier (or PoolConfig.SkipVerification)
// disables the check.
type Verifier interface {
	Verify(e Event) bool
}

// ModelRegistry decodes an event's Kind into a higher-level type for the
// caller. The engine never inspects the decoded form; it is plumbed
// through purely so callers can reach it from the same PoolContext.
type ModelRegistry interface {
	Decode(e Event) (any, error)
}

// PoolContext is the explicit, once-constructed bag of collaborators and
// tunables the coordinator needs. Everything is injected here; there is
// no process-wide mutable state.
type PoolContext struct {
	EventStore            EventStore
	Verifier              Verifier
	ModelRegistry         ModelRegistry
	SkipVerification      bool
	ResponseTimeout       time.Duration
	StreamingBufferWindow time.Duration
	MaxReconnectDelay     time.Duration
	IdleTimeout           time.Duration
	GCInterval            time.Duration
	HealthCheckInterval   time.Duration
	PublishTimeout        time.Duration
	LogRingSize           int
	DefaultRelays         map[string][]string
	DefaultQuerySource    *QuerySource
	Dialer                Dialer
	Now                   func() time.Time
}

// WithDefaults fills zero-valued tunables with their defaults.
func (c PoolContext) WithDefaults() PoolContext {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	if c.StreamingBufferWindow <= 0 {
		c.StreamingBufferWindow = 100 * time.Millisecond
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 2 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.LogRingSize <= 0 {
		c.LogRingSize = 256
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.EventStore == nil {
		c.EventStore = NewMemoryEventStore()
	}
	return c
}

func (c PoolContext) connectTimeout() time.Duration {
	if c.ResponseTimeout < 5*time.Second {
		return c.ResponseTimeout
	}
	return 5 * time.Second
}

// memoryEventStore is the default in-memory EventStore, backed by a
// lock-free map so it can be read concurrently by callers while the
// coordinator goroutine writes into it.
type memoryEventStore struct {
	byID *xsync.MapOf[EventID, Event]
}

// NewMemoryEventStore returns the default EventStore used when a
// PoolContext does not supply one.
func NewMemoryEventStore() EventStore {
	return &memoryEventStore{byID: xsync.NewMapOf[EventID, Event]()}
}

func (s *memoryEventStore) Save(events []Event) map[EventID]struct{} {
	saved := make(map[EventID]struct{}, len(events))
	for _, e := range events {
		s.byID.Store(e.ID, e)
		saved[e.ID] = struct{}{}
	}
	return saved
}

func (s *memoryEventStore) Query(f Filter) []Event {
	var out []Event
	s.byID.Range(func(_ EventID, e Event) bool {
		if f.Matches(&e) {
			out = append(out, e)
		}
		return true
	})
	return out
}
