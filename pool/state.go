package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// SubPhase is the per-relay phase reported for a subscription in a
// PoolState snapshot. It is distinct from RelayAgent's own connection
// phase: it folds in whether the subscription is still waiting for
// backlog, streaming live events, or blocked on a query result.
type SubPhase int

const (
	SubDisconnected SubPhase = iota
	SubConnecting
	SubLoading
	SubStreaming
	SubWaiting
	SubClosed
)

func (p SubPhase) String() string {
	switch p {
	case SubDisconnected:
		return "Disconnected"
	case SubConnecting:
		return "Connecting"
	case SubLoading:
		return "Loading"
	case SubStreaming:
		return "Streaming"
	case SubWaiting:
		return "Waiting"
	case SubClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RelaySnapshot is per-relay diagnostic state inside a SubscriptionSnapshot.
type RelaySnapshot struct {
	Phase             SubPhase
	LastError         string
	ReconnectAttempts int
}

// SubscriptionSnapshot is the observable state of one live subscription.
type SubscriptionSnapshot struct {
	ID         SubscriptionId
	Relays     map[RelayUrl]RelaySnapshot
	EventCount int
	StartedAt  time.Time
}

// ClosedSnapshot records a subscription that has fully closed.
type ClosedSnapshot struct {
	ID       SubscriptionId
	ClosedAt time.Time
}

// LogEntry is one line in PoolState's bounded log ring.
type LogEntry struct {
	At      time.Time
	SubID   *SubscriptionId
	Message string
}

// PoolState is an immutable observability snapshot. Callers must not
// mutate it; every field is defensively copied at snapshot time.
type PoolState struct {
	Subscriptions       map[SubscriptionId]SubscriptionSnapshot
	ClosedSubscriptions map[SubscriptionId]ClosedSnapshot
	Logs                []LogEntry
	Timestamp           time.Time
}

func emptyPoolState() PoolState {
	return PoolState{
		Subscriptions:       map[SubscriptionId]SubscriptionSnapshot{},
		ClosedSubscriptions: map[SubscriptionId]ClosedSnapshot{},
		Logs:                nil,
		Timestamp:           time.Time{},
	}
}

func clonePoolState(s PoolState) PoolState {
	subs := make(map[SubscriptionId]SubscriptionSnapshot, len(s.Subscriptions))
	for id, snap := range s.Subscriptions {
		relays := make(map[RelayUrl]RelaySnapshot, len(snap.Relays))
		for u, r := range snap.Relays {
			relays[u] = r
		}
		snap.Relays = relays
		subs[id] = snap
	}
	closed := make(map[SubscriptionId]ClosedSnapshot, len(s.ClosedSubscriptions))
	for id, c := range s.ClosedSubscriptions {
		closed[id] = c
	}
	logs := make([]LogEntry, len(s.Logs))
	copy(logs, s.Logs)
	return PoolState{
		Subscriptions:       subs,
		ClosedSubscriptions: closed,
		Logs:                logs,
		Timestamp:           s.Timestamp,
	}
}

// logRing is a bounded ring buffer of LogEntry, oldest entries evicted on
// overflow.
type logRing struct {
	entries []LogEntry
	cap     int
	next    int
	full    bool
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &logRing{entries: make([]LogEntry, capacity), cap: capacity}
}

func (r *logRing) push(e LogEntry) {
	r.entries[r.next] = e
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) snapshot() []LogEntry {
	if !r.full {
		out := make([]LogEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]LogEntry, r.cap)
	copy(out, r.entries[r.next:])
	copy(out[r.cap-r.next:], r.entries[:r.next])
	return out
}

// PoolStateNotifier computes immutable PoolState snapshots and delivers
// them to observers with throttling. now is injected so tests can
// control the clock without depending on wall time.
type PoolStateNotifier struct {
	mu        sync.Mutex
	current   PoolState
	logs      *logRing
	throttle  time.Duration
	lastEmit  time.Time
	pending   bool
	timer     *time.Timer
	observers *xsync.MapOf[string, func(PoolState)]
	now       func() time.Time
}

func newPoolStateNotifier(throttle time.Duration, logRingSize int, now func() time.Time) *PoolStateNotifier {
	if now == nil {
		now = time.Now
	}
	return &PoolStateNotifier{
		current:   emptyPoolState(),
		logs:      newLogRing(logRingSize),
		throttle:  throttle,
		observers: xsync.NewMapOf[string, func(PoolState)](),
		now:       now,
	}
}

// Observe registers a callback invoked with every emitted snapshot and
// returns a function to unregister it.
func (n *PoolStateNotifier) Observe(cb func(PoolState)) (unsubscribe func()) {
	id := uuid.NewString()
	n.observers.Store(id, cb)
	return func() { n.observers.Delete(id) }
}

// log appends an entry to the ring and schedules an emission.
func (n *PoolStateNotifier) log(subID *SubscriptionId, message string) {
	n.mu.Lock()
	n.logs.push(LogEntry{At: n.now(), SubID: subID, Message: message})
	n.mu.Unlock()
	slog.Debug("relaypool", "sub", subIDOrEmpty(subID), "msg", message)
	n.mutate(func(*PoolState) {})
}

func subIDOrEmpty(id *SubscriptionId) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

// mutate applies fn to the current state under lock, then schedules or
// performs an emission according to the throttle policy.
func (n *PoolStateNotifier) mutate(fn func(*PoolState)) {
	n.mu.Lock()
	fn(&n.current)
	n.current.Timestamp = n.now()
	n.current.Logs = n.logs.snapshot()
	n.mu.Unlock()

	n.scheduleEmit()
}

func (n *PoolStateNotifier) scheduleEmit() {
	n.mu.Lock()

	if n.throttle <= 0 {
		snap := n.takeSnapshotLocked()
		n.mu.Unlock()
		n.deliver(snap)
		return
	}

	since := n.now().Sub(n.lastEmit)
	if n.lastEmit.IsZero() || since >= n.throttle {
		snap := n.takeSnapshotLocked()
		n.mu.Unlock()
		n.deliver(snap)
		return
	}

	// Coalesce: a timer is already scheduled for the next boundary; the
	// latest mutation above is what it will pick up when it fires.
	if n.pending {
		n.mu.Unlock()
		return
	}
	n.pending = true
	delay := n.throttle - since
	n.timer = time.AfterFunc(delay, func() {
		n.mu.Lock()
		n.pending = false
		snap := n.takeSnapshotLocked()
		n.mu.Unlock()
		n.deliver(snap)
	})
	n.mu.Unlock()
}

// takeSnapshotLocked stamps the emission and clones the state; the caller
// delivers after releasing n.mu so observers may call back into the
// notifier.
func (n *PoolStateNotifier) takeSnapshotLocked() PoolState {
	n.lastEmit = n.now()
	return clonePoolState(n.current)
}

func (n *PoolStateNotifier) deliver(snap PoolState) {
	n.observers.Range(func(_ string, cb func(PoolState)) bool {
		cb(snap)
		return true
	})
}

// Dispose cancels any pending throttle timer.
func (n *PoolStateNotifier) Dispose() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
}

// snapshot returns the current state without forcing an emission.
func (n *PoolStateNotifier) snapshot() PoolState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return clonePoolState(n.current)
}
