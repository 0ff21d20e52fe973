package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
)

// OnEventsFunc receives one flushed batch for one subscription.
type OnEventsFunc func(sub SubscriptionId, events []Event, relaysForID map[EventID][]RelayUrl)

// subEntry is the coordinator's bookkeeping for one live subscription.
type subEntry struct {
	buffer  *SubscriptionBuffer
	source  QuerySource
	filters Filters
	targets map[RelayUrl]struct{}
}

// Pool is the PoolCoordinator: the single owner of every
// RelayAgent, SubscriptionBuffer and PublishTracker. Cross-component
// decisions happen here and nowhere else.
type Pool struct {
	cfg      PoolContext
	notifier *PoolStateNotifier

	mu       sync.Mutex
	agents   map[RelayUrl]*RelayAgent
	subs     map[SubscriptionId]*subEntry
	trackers map[string]*PublishTracker
	disposed bool

	// maxCreated tracks the newest created_at seen per subscription. It
	// backs the since clamp applied on resubscription and is lock-free because the agent reads it from its
	// connect path without taking the coordinator lock.
	maxCreated *xsync.MapOf[SubscriptionId, nostr.Timestamp]

	onEvents *xsync.MapOf[string, OnEventsFunc]

	stopCh chan struct{}
}

// NewPool constructs a coordinator from an explicit PoolContext and starts
// the periodic health-check and idle-GC sweeps.
func NewPool(cfg PoolContext) *Pool {
	cfg = cfg.WithDefaults()
	throttle := cfg.StreamingBufferWindow
	p := &Pool{
		cfg:        cfg,
		notifier:   newPoolStateNotifier(throttle, cfg.LogRingSize, cfg.Now),
		agents:     map[RelayUrl]*RelayAgent{},
		subs:       map[SubscriptionId]*subEntry{},
		trackers:   map[string]*PublishTracker{},
		maxCreated: xsync.NewMapOf[SubscriptionId, nostr.Timestamp](),
		onEvents:   xsync.NewMapOf[string, OnEventsFunc](),
		stopCh:     make(chan struct{}),
	}
	go p.runPeriodic()
	return p
}

func (p *Pool) runPeriodic() {
	health := time.NewTicker(p.cfg.HealthCheckInterval)
	gc := time.NewTicker(p.cfg.GCInterval)
	defer health.Stop()
	defer gc.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-health.C:
			p.PerformHealthCheck(false)
		case <-gc.C:
			p.collectIdleAgents()
		}
	}
}

// Query registers a subscription over source.Relays. In blocking mode
// (source.Stream false) it waits for the deduplicated backlog: all-EOSE,
// the response timeout, or ctx cancellation, whichever first. In streaming
// mode it returns nil immediately; batches reach OnEvents observers as
// they flush.
func (p *Pool) Query(ctx context.Context, id SubscriptionId, filters Filters, source *QuerySource) ([]Event, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrDisposed
	}
	if _, dup := p.subs[id]; dup {
		p.mu.Unlock()
		return nil, &DuplicateSubscriptionError{ID: id}
	}
	src := p.resolveSourceLocked(source)

	if len(src.Relays) == 0 && !src.Stream {
		p.mu.Unlock()
		return []Event{}, nil
	}

	targets := make(map[RelayUrl]struct{}, len(src.Relays))
	bufTargets := make(map[RelayUrl]struct{}, len(src.Relays))
	for r := range src.Relays {
		targets[r] = struct{}{}
		bufTargets[r] = struct{}{}
	}

	buf := newSubscriptionBuffer(id, filters, bufTargets, src.Stream,
		p.cfg.StreamingBufferWindow, p.flushFunc(id, src.Stream), p.cfg.Now)
	waiter := buf.wait()
	entry := &subEntry{buffer: buf, source: src, filters: filters, targets: targets}
	p.subs[id] = entry

	agents := make([]*RelayAgent, 0, len(targets))
	for url := range targets {
		agents = append(agents, p.ensureAgentLocked(url))
	}
	p.mu.Unlock()

	p.notifier.log(&id, "subscribed")
	// a reused id leaves the closed set: it is live again
	p.notifier.mutate(func(s *PoolState) {
		delete(s.ClosedSubscriptions, id)
	})
	sent := p.optimizeInitialFilters(filters, src.Stream)
	for _, ag := range agents {
		ag.Subscribe(id, sent)
	}
	buf.startEOSETimer(p.cfg.ResponseTimeout, func() {
		p.notifier.log(&id, "EOSE timeout")
	})
	p.syncState()

	if src.Stream {
		return nil, nil
	}

	select {
	case events := <-waiter:
		p.Unsubscribe(id)
		return events, nil
	case <-ctx.Done():
		p.Unsubscribe(id)
		return nil, ctx.Err()
	}
}

// Publish sends every event to every relay url and aggregates the OK
// responses. Unparseable urls behave like offline relays: each
// (event, bad_url) pair gets a failed outcome instead of the whole call
// aborting.
func (p *Pool) Publish(ctx context.Context, events []Event, relayURLs []string) (PublishResponse, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return PublishResponse{}, ErrDisposed
	}
	if len(events) == 0 {
		p.mu.Unlock()
		return PublishResponse{Results: map[EventID][]PublishResult{}}, nil
	}

	type badURL struct {
		given  RelayUrl
		reason string
	}
	var valid []RelayUrl
	var invalid []badURL
	for _, raw := range relayURLs {
		nm, err := NormalizeURL(raw)
		if err != nil {
			invalid = append(invalid, badURL{given: RelayUrl(raw), reason: err.Error()})
			continue
		}
		valid = append(valid, nm)
	}
	valid = lo.Uniq(valid)

	ids := lo.Map(events, func(ev Event, _ int) EventID { return ev.ID })
	all := append(lo.Map(invalid, func(b badURL, _ int) RelayUrl { return b.given }), valid...)
	tracker := newPublishTracker(ids, all, p.cfg.PublishTimeout)
	p.trackers[tracker.id] = tracker

	targetAgents := make(map[RelayUrl]*RelayAgent, len(valid))
	for _, url := range valid {
		targetAgents[url] = p.ensureAgentLocked(url)
	}
	p.mu.Unlock()

	for _, bad := range invalid {
		for _, id := range ids {
			tracker.record(id, bad.given, false, "Invalid URL: "+bad.reason)
		}
	}

	for url, ag := range targetAgents {
		for _, ev := range events {
			ack := ag.Publish(ev)
			go func(url RelayUrl, evID EventID, ack <-chan publishAck) {
				select {
				case a := <-ack:
					tracker.record(evID, url, a.Accepted, a.Message)
				case <-tracker.finished:
				}
			}(url, ev.ID, ack)
		}
	}

	var resp PublishResponse
	select {
	case resp = <-tracker.wait():
	case <-ctx.Done():
		tracker.fillAndResolve("canceled")
		resp = <-tracker.wait()
	}

	p.mu.Lock()
	delete(p.trackers, tracker.id)
	p.mu.Unlock()

	for evID, results := range resp.Results {
		for _, r := range results {
			verdict := "rejected"
			if r.Accepted {
				verdict = "accepted"
			}
			p.notifier.log(nil, fmt.Sprintf("publish %s %s by %s: %s", shortID(evID), verdict, FriendlyName(r.Relay), r.Message))
		}
	}
	p.syncState()
	return resp, nil
}

// Unsubscribe removes the subscription from every agent (best-effort
// CLOSE first), disposes its buffer, and moves it to the closed set.
// Idempotent: a second call is a no-op.
func (p *Pool) Unsubscribe(id SubscriptionId) {
	p.mu.Lock()
	entry, ok := p.subs[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.subs, id)
	agents := lo.Values(p.agents)
	p.mu.Unlock()

	for _, ag := range agents {
		if ag.HasSubscription(id) {
			ag.Unsubscribe(id)
		}
	}
	entry.buffer.dispose()
	p.maxCreated.Delete(id)

	closedAt := p.cfg.Now()
	p.notifier.log(&id, "closed")
	p.notifier.mutate(func(s *PoolState) {
		delete(s.Subscriptions, id)
		s.ClosedSubscriptions[id] = ClosedSnapshot{ID: id, ClosedAt: closedAt}
	})
	p.syncState()
}

// CloseSubscriptionsToRelays removes urls from every subscription's
// target set. Subscriptions left with no relays are fully closed and
// their ids returned; the rest continue on the reduced set. Calling with
// an empty set, or twice with the same set, changes nothing extra.
func (p *Pool) CloseSubscriptionsToRelays(urls map[RelayUrl]struct{}) map[SubscriptionId]struct{} {
	closed := map[SubscriptionId]struct{}{}
	if len(urls) == 0 {
		return closed
	}

	type closeOp struct {
		agent *RelayAgent
		sub   SubscriptionId
	}
	var ops []closeOp
	var flushes []*SubscriptionBuffer

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return closed
	}
	for id, entry := range p.subs {
		touched := false
		for url := range urls {
			if _, ok := entry.targets[url]; !ok {
				continue
			}
			touched = true
			delete(entry.targets, url)
			if ag, ok := p.agents[url]; ok {
				ops = append(ops, closeOp{agent: ag, sub: id})
			}
		}
		if !touched {
			continue
		}
		var nowEmpty, allDone bool
		for url := range urls {
			nowEmpty, allDone = entry.buffer.removeRelay(url)
		}
		if nowEmpty {
			closed[id] = struct{}{}
		} else if allDone {
			flushes = append(flushes, entry.buffer)
		}
	}
	p.mu.Unlock()

	for _, op := range ops {
		op.agent.Unsubscribe(op.sub)
	}
	for _, buf := range flushes {
		// Dropping the relay satisfied the all-EOSE condition for a
		// pending blocking query; complete it now.
		buf.flush()
	}
	for id := range closed {
		p.Unsubscribe(id)
	}
	if len(ops) > 0 {
		p.syncState()
	}
	return closed
}

// PerformHealthCheck sweeps every relay url referenced by an active
// subscription: lapsed Disconnected/Reconnecting agents are poked to
// reconnect. With force it additionally probes Connected agents with a
// limit-0 REQ and resyncs any subscription the agent has lost track of.
func (p *Pool) PerformHealthCheck(force bool) {
	type resyncOp struct {
		agent   *RelayAgent
		sub     SubscriptionId
		filters Filters
	}
	var resyncs []resyncOp

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	referenced := map[RelayUrl]*RelayAgent{}
	for id, entry := range p.subs {
		for url := range entry.targets {
			ag := p.ensureAgentLocked(url)
			referenced[url] = ag
			if force && !ag.HasSubscription(id) {
				resyncs = append(resyncs, resyncOp{agent: ag, sub: id, filters: entry.filters})
			}
		}
	}
	p.mu.Unlock()

	for _, ag := range referenced {
		ag.CheckAndReconnect(force)
		if force {
			ag.Probe()
		}
	}
	for _, op := range resyncs {
		op.agent.Subscribe(op.sub, op.filters)
		p.notifier.log(&op.sub, "resynced on "+FriendlyName(op.agent.URL()))
	}
}

// ObserveState registers cb for every emitted PoolState snapshot and
// returns its unregister function.
func (p *Pool) ObserveState(cb func(PoolState)) (unsubscribe func()) {
	return p.notifier.Observe(cb)
}

// OnEvents registers cb for streaming batch delivery and returns its
// unregister function.
func (p *Pool) OnEvents(cb OnEventsFunc) (unsubscribe func()) {
	id := uuid.NewString()
	p.onEvents.Store(id, cb)
	return func() { p.onEvents.Delete(id) }
}

// State returns the current snapshot without forcing an emission.
func (p *Pool) State() PoolState {
	return p.notifier.snapshot()
}

// ResolveRelayGroup expands a named group from DefaultRelays into a
// normalized url set. Unknown names yield an empty set.
func (p *Pool) ResolveRelayGroup(name string) (map[RelayUrl]struct{}, error) {
	raws, ok := p.cfg.DefaultRelays[name]
	if !ok {
		return map[RelayUrl]struct{}{}, nil
	}
	return normalizeURLSet(raws)
}

// Dispose tears the pool down: every timer cancelled, every socket
// closed, every pending publish failed and every pending blocking query
// resolved with the empty set.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	close(p.stopCh)
	agents := lo.Values(p.agents)
	entries := lo.Values(p.subs)
	trackers := lo.Values(p.trackers)
	p.agents = map[RelayUrl]*RelayAgent{}
	p.subs = map[SubscriptionId]*subEntry{}
	p.trackers = map[string]*PublishTracker{}
	p.mu.Unlock()

	for _, t := range trackers {
		t.dispose()
	}
	for _, entry := range entries {
		entry.buffer.dispose()
	}
	for _, ag := range agents {
		ag.Dispose()
	}
	p.notifier.log(nil, "disposed")
	p.notifier.Dispose()
}

// ensureAgentLocked returns the agent for url, creating it on first
// reference. Caller holds p.mu.
func (p *Pool) ensureAgentLocked(url RelayUrl) *RelayAgent {
	if ag, ok := p.agents[url]; ok {
		return ag
	}
	ag := newRelayAgent(url, p.cfg.Dialer, p.hooks(), p.cfg.connectTimeout(),
		p.cfg.MaxReconnectDelay, p.cfg.IdleTimeout, p.cfg.Now)
	p.agents[url] = ag
	return ag
}

func (p *Pool) hooks() agentHooks {
	return agentHooks{
		onEvent:        p.handleEvent,
		onEOSE:         p.handleEOSE,
		onNotice:       p.handleNotice,
		onClosed:       p.handleClosed,
		onDecode:       p.handleDecode,
		onPhase:        p.handlePhase,
		rewriteFilters: p.rewriteFilters,
	}
}

// handleEvent is the fan-out path: look up the buffer by sub id,
// discard if absent, apply the caller's event filter, verify, then hand
// to the buffer. Deduplication happens inside the buffer, scoped to the
// subscription.
func (p *Pool) handleEvent(relay RelayUrl, sub SubscriptionId, ev Event) {
	p.mu.Lock()
	entry, ok := p.subs[sub]
	p.mu.Unlock()
	if !ok {
		return
	}
	if entry.source.EventFilter != nil && !entry.source.EventFilter(ev) {
		return
	}
	if !p.cfg.SkipVerification && p.cfg.Verifier != nil && !p.cfg.Verifier.Verify(ev) {
		p.notifier.log(&sub, "verification failed for "+shortID(ev.ID))
		return
	}

	p.maxCreated.Compute(sub, func(prev nostr.Timestamp, loaded bool) (nostr.Timestamp, bool) {
		if !loaded || ev.CreatedAt > prev {
			return ev.CreatedAt, false
		}
		return prev, false
	})
	entry.buffer.addEvent(relay, ev)
	p.syncState()
}

func (p *Pool) handleEOSE(relay RelayUrl, sub SubscriptionId) {
	p.mu.Lock()
	entry, ok := p.subs[sub]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.notifier.log(&sub, "EOSE received from "+FriendlyName(relay))
	entry.buffer.markEOSE(relay)
	p.syncState()
}

func (p *Pool) handleNotice(relay RelayUrl, message string) {
	p.notifier.log(nil, "NOTICE from "+FriendlyName(relay)+": "+message)
}

func (p *Pool) handleClosed(relay RelayUrl, sub SubscriptionId, reason string) {
	p.notifier.log(&sub, "CLOSED by "+FriendlyName(relay)+": "+reason)
}

func (p *Pool) handleDecode(relay RelayUrl, raw []byte) {
	p.notifier.log(nil, (&DecodeError{Raw: raw}).Error())
}

func (p *Pool) handlePhase(url RelayUrl) {
	p.mu.Lock()
	ag, ok := p.agents[url]
	p.mu.Unlock()
	if ok {
		if phase, _, attempts := ag.phaseInfo(); phase == phaseReconnecting {
			p.notifier.log(nil, fmt.Sprintf("reconnect attempt %d (%s)", attempts, FriendlyName(url)))
		}
	}
	p.syncState()
}

// rewriteFilters clamps the since bound to the newest created_at this
// subscription has already received, so a reconnecting relay does not
// resend delivered events. Runs on the agent's
// connect path; must not take p.mu.
func (p *Pool) rewriteFilters(sub SubscriptionId, filters Filters) Filters {
	ts, ok := p.maxCreated.Load(sub)
	if !ok {
		return filters
	}
	out := make(Filters, len(filters))
	copy(out, filters)
	for i := range out {
		if out[i].Since == nil || *out[i].Since < ts {
			since := ts
			out[i].Since = &since
		}
	}
	return out
}

// optimizeInitialFilters applies the first-REQ since clamp from locally
// cached events. Only streaming subscriptions are clamped: a blocking
// query must see the full remote backlog, while a live tail only needs
// what is newer than the cache.
func (p *Pool) optimizeInitialFilters(filters Filters, streaming bool) Filters {
	if !streaming || p.cfg.EventStore == nil {
		return filters
	}
	out := make(Filters, len(filters))
	copy(out, filters)
	for i, f := range out {
		if f.Since != nil || len(f.Authors) == 0 || len(f.Kinds) == 0 {
			continue
		}
		cached := p.cfg.EventStore.Query(f)
		if len(cached) == 0 {
			continue
		}
		newest := cached[0].CreatedAt
		for _, ev := range cached[1:] {
			if ev.CreatedAt > newest {
				newest = ev.CreatedAt
			}
		}
		since := newest + 1
		out[i].Since = &since
	}
	return out
}

// flushFunc builds the buffer flush callback for one subscription: cache
// the batch, then (streaming only) fan it out to OnEvents observers.
func (p *Pool) flushFunc(id SubscriptionId, streaming bool) flushFunc {
	return func(events []Event, relaysForID map[EventID][]RelayUrl) {
		if len(events) == 0 {
			return
		}
		if p.cfg.EventStore != nil {
			p.cfg.EventStore.Save(events)
		}
		if !streaming {
			return
		}
		p.onEvents.Range(func(_ string, cb OnEventsFunc) bool {
			cb(id, events, relaysForID)
			return true
		})
	}
}

func (p *Pool) resolveSourceLocked(source *QuerySource) QuerySource {
	if source != nil {
		return *source
	}
	if p.cfg.DefaultQuerySource != nil {
		return *p.cfg.DefaultQuerySource
	}
	return QuerySource{Relays: map[RelayUrl]struct{}{}}
}

// collectIdleAgents disposes agents whose subscription set has been empty
// past the idle timeout and which no live subscription references.
func (p *Pool) collectIdleAgents() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	referenced := map[RelayUrl]struct{}{}
	for _, entry := range p.subs {
		for url := range entry.targets {
			referenced[url] = struct{}{}
		}
	}
	var victims []*RelayAgent
	for url, ag := range p.agents {
		if _, used := referenced[url]; used {
			continue
		}
		if ag.idleExpired(p.cfg.IdleTimeout) {
			victims = append(victims, ag)
			delete(p.agents, url)
		}
	}
	p.mu.Unlock()

	for _, ag := range victims {
		ag.Dispose()
		p.notifier.log(nil, "agent collected ("+FriendlyName(ag.URL())+")")
	}
}

// syncState recomputes the Subscriptions portion of the snapshot from
// live buffers and agents; ClosedSubscriptions and Logs are maintained
// incrementally by their own paths. Emission is throttled by the
// notifier.
func (p *Pool) syncState() {
	p.mu.Lock()
	snaps := make(map[SubscriptionId]SubscriptionSnapshot, len(p.subs))
	for id, entry := range p.subs {
		count, started := entry.buffer.stats()
		snaps[id] = SubscriptionSnapshot{
			ID:         id,
			Relays:     entry.buffer.snapshotRelayPhases(p.agentSubPhaseLocked),
			EventCount: count,
			StartedAt:  started,
		}
	}
	p.mu.Unlock()

	p.notifier.mutate(func(s *PoolState) {
		s.Subscriptions = snaps
	})
}

// agentSubPhaseLocked maps an agent's connection phase to the coarse
// subscription phase; the buffer refines Connected into Loading, Waiting
// or Streaming. Caller holds p.mu.
func (p *Pool) agentSubPhaseLocked(url RelayUrl) (SubPhase, string, int) {
	ag, ok := p.agents[url]
	if !ok {
		return SubDisconnected, "", 0
	}
	phase, lastErr, attempts := ag.phaseInfo()
	switch phase {
	case phaseConnecting:
		return SubConnecting, lastErr, attempts
	case phaseConnected:
		return SubStreaming, lastErr, attempts
	default:
		return SubDisconnected, lastErr, attempts
	}
}

func shortID(id EventID) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
