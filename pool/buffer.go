package pool

import (
	"sort"
	"sync"
	"time"
)

// flushFunc is invoked with the deduplicated accumulator at flush time.
// events is a fresh slice (safe to retain); relaysForID maps event id to
// the set of relays that supplied it before this flush.
type flushFunc func(events []Event, relaysForID map[EventID][]RelayUrl)

// SubscriptionBuffer is the per-subscription event accumulator: it
// deduplicates by event id, tracks which relays supplied each
// id, times out EOSE waits, and batches delivery.
type SubscriptionBuffer struct {
	mu sync.Mutex

	id           SubscriptionId
	filters      Filters
	targetRelays map[RelayUrl]struct{}
	streaming    bool

	eventsByID  map[EventID]Event
	relaysForID map[EventID]map[RelayUrl]struct{}
	order       []EventID // insertion order, for deterministic tie-break

	eoseReceived map[RelayUrl]struct{}

	batchWindow   time.Duration
	batchTimer    *time.Timer
	eoseTimer     *time.Timer
	onFlush       flushFunc
	queryWaiter   chan []Event
	disposed      bool

	startedAt  time.Time
	eventCount int

	now func() time.Time
}

// newSubscriptionBuffer constructs a buffer for one subscription. For a
// blocking query (streaming=false), the channel returned by wait()
// receives the deduplicated result exactly once; for streaming
// subscriptions there is no waiter and onFlush is invoked for every batch.
func newSubscriptionBuffer(
	id SubscriptionId,
	filters Filters,
	targetRelays map[RelayUrl]struct{},
	streaming bool,
	batchWindow time.Duration,
	onFlush flushFunc,
	now func() time.Time,
) *SubscriptionBuffer {
	if now == nil {
		now = time.Now
	}
	b := &SubscriptionBuffer{
		id:           id,
		filters:      filters,
		targetRelays: targetRelays,
		streaming:    streaming,
		eventsByID:   map[EventID]Event{},
		relaysForID:  map[EventID]map[RelayUrl]struct{}{},
		eoseReceived: map[RelayUrl]struct{}{},
		batchWindow:  batchWindow,
		onFlush:      onFlush,
		startedAt:    now(),
		now:          now,
	}
	if !streaming {
		b.queryWaiter = make(chan []Event, 1)
	}
	return b
}

// addEvent records relayURL as a source of ev, appending to the
// accumulator the first time this event id is seen. Deduplication is
// scoped to this buffer.
func (b *SubscriptionBuffer) addEvent(relayURL RelayUrl, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}

	set, ok := b.relaysForID[ev.ID]
	if !ok {
		set = map[RelayUrl]struct{}{}
		b.relaysForID[ev.ID] = set
	}
	set[relayURL] = struct{}{}

	// relaysForID outlives streaming flushes, so an id already in it was
	// delivered (or is pending delivery) and must not be appended again.
	if ok {
		return
	}
	b.eventsByID[ev.ID] = ev
	b.order = append(b.order, ev.ID)
	b.eventCount++

	if b.streaming {
		b.scheduleFlushLocked()
	}
	// In blocking mode the event just accumulates until all-EOSE or
	// deadline; nothing to schedule here beyond the EOSE timer already
	// running.
}

// scheduleFlushLocked (re)starts the batch window timer. Must hold b.mu.
func (b *SubscriptionBuffer) scheduleFlushLocked() {
	if b.batchTimer != nil {
		b.batchTimer.Stop()
	}
	b.batchTimer = time.AfterFunc(b.batchWindow, b.flush)
}

// markEOSE records end-of-stored-events from relayURL. If every target
// relay has reported EOSE, it triggers an immediate flush and (in
// blocking mode) resolves the pending query.
func (b *SubscriptionBuffer) markEOSE(relayURL RelayUrl) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.eoseReceived[relayURL] = struct{}{}
	allDone := b.allEOSEReceivedLocked()
	b.mu.Unlock()

	if allDone {
		b.flush()
	}
}

func (b *SubscriptionBuffer) allEOSEReceivedLocked() bool {
	if len(b.targetRelays) == 0 {
		return true
	}
	for r := range b.targetRelays {
		if _, ok := b.eoseReceived[r]; !ok {
			return false
		}
	}
	return true
}

// startEOSETimer arms the blocking-query/backlog deadline. onTimeout, if non-nil, is invoked when the deadline fires
// before every target relay has reported EOSE.
func (b *SubscriptionBuffer) startEOSETimer(timeout time.Duration, onTimeout func()) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	if len(b.targetRelays) == 0 {
		// Vacuously complete: no relay to wait on, flush resolves
		// immediately with the empty set.
		b.mu.Unlock()
		b.flush()
		return
	}
	b.eoseTimer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		allDone := b.allEOSEReceivedLocked()
		b.mu.Unlock()
		if !allDone && onTimeout != nil {
			onTimeout()
		}
		b.flush()
	})
	b.mu.Unlock()
}

// stats reports the running event count and start instant for snapshots.
func (b *SubscriptionBuffer) stats() (eventCount int, startedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eventCount, b.startedAt
}

// flush invokes onFlush with a defensive copy of the accumulator, then
// clears it for the next batch (streaming)
// or resolves the blocking waiter.
func (b *SubscriptionBuffer) flush() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	if b.batchTimer != nil {
		b.batchTimer.Stop()
	}
	if b.eoseTimer != nil {
		b.eoseTimer.Stop()
	}

	events := make([]Event, 0, len(b.order))
	for _, id := range b.order {
		events = append(events, b.eventsByID[id])
	}
	sortEvents(events)

	relaysForID := make(map[EventID][]RelayUrl, len(b.relaysForID))
	for id, set := range b.relaysForID {
		list := make([]RelayUrl, 0, len(set))
		for r := range set {
			list = append(list, r)
		}
		relaysForID[id] = list
	}

	onFlush := b.onFlush
	waiter := b.queryWaiter

	if b.streaming {
		// Next batch starts empty; relaysForID keeps accumulating
		// across the subscription's lifetime, so it is not reset.
		b.eventsByID = map[EventID]Event{}
		b.order = nil
	}
	b.mu.Unlock()

	if onFlush != nil {
		onFlush(events, relaysForID)
	}
	if waiter != nil {
		select {
		case waiter <- events:
		default:
		}
	}
}

// sortEvents applies the batch tie-break: created_at
// descending, then id lexicographic ascending. Ordering within a batch is
// not otherwise guaranteed.
func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

// wait blocks (via the returned channel) until the blocking query
// resolves. Only valid when streaming is false.
func (b *SubscriptionBuffer) wait() <-chan []Event {
	return b.queryWaiter
}

// removeRelay drops relayURL from targetRelays (used by
// CloseSubscriptionsToRelays). An already-received EOSE from that
// relay is kept, but it is no longer required for all-EOSE completion.
func (b *SubscriptionBuffer) removeRelay(relayURL RelayUrl) (nowEmpty bool, allDone bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.targetRelays, relayURL)
	return len(b.targetRelays) == 0, b.allEOSEReceivedLocked()
}

// dispose cancels all timers; if a blocking future is pending it resolves
// with the empty set.
func (b *SubscriptionBuffer) dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	if b.batchTimer != nil {
		b.batchTimer.Stop()
	}
	if b.eoseTimer != nil {
		b.eoseTimer.Stop()
	}
	waiter := b.queryWaiter
	b.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- nil:
		default:
		}
	}
}

func (b *SubscriptionBuffer) snapshotRelayPhases(agentPhase func(RelayUrl) (SubPhase, string, int)) map[RelayUrl]RelaySnapshot {
	b.mu.Lock()
	relays := make([]RelayUrl, 0, len(b.targetRelays))
	for r := range b.targetRelays {
		relays = append(relays, r)
	}
	eoseDone := make(map[RelayUrl]bool, len(b.eoseReceived))
	for r := range b.eoseReceived {
		eoseDone[r] = true
	}
	streaming := b.streaming
	b.mu.Unlock()

	out := make(map[RelayUrl]RelaySnapshot, len(relays))
	for _, r := range relays {
		phase, lastErr, attempts := agentPhase(r)
		if phase == SubStreaming || phase == SubConnecting || phase == SubDisconnected {
			// agent reports a raw connection phase; refine it using the
			// subscription's own view (loading backlog vs waiting vs
			// live) when connected.
			if phase != SubDisconnected && phase != SubConnecting {
				if eoseDone[r] {
					phase = SubStreaming
				} else if streaming {
					phase = SubLoading
				} else {
					phase = SubWaiting
				}
			}
		}
		out[r] = RelaySnapshot{Phase: phase, LastError: lastErr, ReconnectAttempts: attempts}
	}
	return out
}
