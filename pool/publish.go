package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type publishPair struct {
	event EventID
	relay RelayUrl
}

// PublishTracker aggregates outcomes for one publish call spanning N
// events x M relays. It resolves exactly once: when every pair has
// reported, at the deadline (missing pairs become Timeout), or on
// disposal. Late OK arrivals are ignored.
type PublishTracker struct {
	id string

	mu       sync.Mutex
	pending  map[publishPair]struct{}
	results  map[EventID][]PublishResult
	resolved bool
	done     chan PublishResponse
	finished chan struct{}
	deadline *time.Timer
}

func newPublishTracker(eventIDs []EventID, relays []RelayUrl, timeout time.Duration) *PublishTracker {
	t := &PublishTracker{
		id:      uuid.NewString(),
		pending:  make(map[publishPair]struct{}, len(eventIDs)*len(relays)),
		results:  make(map[EventID][]PublishResult, len(eventIDs)),
		done:     make(chan PublishResponse, 1),
		finished: make(chan struct{}),
	}
	for _, ev := range eventIDs {
		t.results[ev] = nil
		for _, r := range relays {
			t.pending[publishPair{event: ev, relay: r}] = struct{}{}
		}
	}
	if len(t.pending) == 0 {
		t.resolveLocked()
		return t
	}
	t.deadline = time.AfterFunc(timeout, t.expire)
	return t
}

// record stores one (event, relay) outcome. Outcomes for unknown or
// already-recorded pairs are dropped, which makes every pair appear in
// the response exactly once.
func (t *PublishTracker) record(event EventID, relay RelayUrl, accepted bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return
	}
	pair := publishPair{event: event, relay: relay}
	if _, ok := t.pending[pair]; !ok {
		return
	}
	delete(t.pending, pair)
	t.results[event] = append(t.results[event], PublishResult{Relay: relay, Accepted: accepted, Message: message})
	if len(t.pending) == 0 {
		t.resolveLocked()
	}
}

// expire fills every still-pending pair with a Timeout outcome and
// resolves.
func (t *PublishTracker) expire() {
	t.fillAndResolve("Timeout")
}

// dispose fails every still-pending pair with a disposed outcome.
func (t *PublishTracker) dispose() {
	t.fillAndResolve("disposed")
}

func (t *PublishTracker) fillAndResolve(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return
	}
	for pair := range t.pending {
		t.results[pair.event] = append(t.results[pair.event], PublishResult{Relay: pair.relay, Accepted: false, Message: message})
	}
	t.pending = map[publishPair]struct{}{}
	t.resolveLocked()
}

// resolveLocked must be called with t.mu held (or before the tracker
// escapes the constructor).
func (t *PublishTracker) resolveLocked() {
	if t.resolved {
		return
	}
	t.resolved = true
	if t.deadline != nil {
		t.deadline.Stop()
	}
	close(t.finished)
	t.done <- PublishResponse{Results: t.results}
}

// wait returns the channel the aggregated response is delivered on.
func (t *PublishTracker) wait() <-chan PublishResponse {
	return t.done
}
