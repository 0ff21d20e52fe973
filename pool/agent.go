package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// connPhase is the RelayAgent connection state machine. Reconnecting
// is a distinguished Disconnected variant that carries nextReconnectAt.
type connPhase int

const (
	phaseDisconnected connPhase = iota
	phaseConnecting
	phaseConnected
	phaseReconnecting
)

func (p connPhase) String() string {
	switch p {
	case phaseDisconnected:
		return "Disconnected"
	case phaseConnecting:
		return "Connecting"
	case phaseConnected:
		return "Connected"
	case phaseReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

const (
	initialBackoff = 100 * time.Millisecond
	probeSubPrefix = "probe-"
)

// Socket is the minimal surface the agent needs from a websocket
// connection; it exists so tests can swap in an in-memory pipe.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Socket to a relay. The default implementation wraps
// gorilla/websocket.
type Dialer interface {
	Dial(ctx context.Context, url RelayUrl) (Socket, error)
}

type wsSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url RelayUrl) (Socket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, string(url), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsSocket{conn: conn}, nil
}

// NewWebsocketDialer returns the production Dialer.
func NewWebsocketDialer() Dialer { return wsDialer{} }

// publishAck is one relay's answer to one published event.
type publishAck struct {
	Accepted bool
	Message  string
}

// agentHooks are the opaque function-value callbacks the coordinator
// injects at construction.
// Any hook may be nil. Hooks are invoked without the agent's lock held,
// except rewriteFilters, which must not call back into the agent.
type agentHooks struct {
	onEvent  func(relay RelayUrl, sub SubscriptionId, ev Event)
	onEOSE   func(relay RelayUrl, sub SubscriptionId)
	onNotice func(relay RelayUrl, message string)
	onClosed func(relay RelayUrl, sub SubscriptionId, reason string)
	onDecode func(relay RelayUrl, raw []byte)
	onPhase  func(relay RelayUrl)

	// rewriteFilters lets the coordinator clamp filters (e.g. add a since
	// bound) before the agent re-REQs a subscription on reconnect. The
	// returned filters become the stored "actual"
	// filters for the subscription.
	rewriteFilters func(sub SubscriptionId, filters Filters) Filters
}

// RelayAgent owns exactly one websocket to one relay url: it keeps
// activeSubscriptions mirrored remotely, reconnects with exponential
// backoff, and routes decoded frames to the injected hooks.
type RelayAgent struct {
	url    RelayUrl
	dialer Dialer
	hooks  agentHooks

	connectTimeout    time.Duration
	maxReconnectDelay time.Duration
	idleTimeout       time.Duration
	now               func() time.Time

	mu                sync.Mutex
	phase             connPhase
	phaseStartedAt    time.Time
	reconnectAttempts int
	nextReconnectAt   time.Time
	lastActivityAt    time.Time
	lastError         string
	subs              map[SubscriptionId]Filters
	emptySince        time.Time

	sock    Socket
	sockGen int

	pendingOKs map[EventID][]chan publishAck
	queued     []Event

	reconnectTimer *time.Timer
	idleTimer      *time.Timer
	disposed       bool
}

func newRelayAgent(url RelayUrl, dialer Dialer, hooks agentHooks, connectTimeout, maxReconnectDelay, idleTimeout time.Duration, now func() time.Time) *RelayAgent {
	if dialer == nil {
		dialer = wsDialer{}
	}
	if now == nil {
		now = time.Now
	}
	return &RelayAgent{
		url:               url,
		dialer:            dialer,
		hooks:             hooks,
		connectTimeout:    connectTimeout,
		maxReconnectDelay: maxReconnectDelay,
		idleTimeout:       idleTimeout,
		now:               now,
		phase:             phaseDisconnected,
		phaseStartedAt:    now(),
		subs:              map[SubscriptionId]Filters{},
		pendingOKs:        map[EventID][]chan publishAck{},
	}
}

// URL returns the relay url this agent owns.
func (a *RelayAgent) URL() RelayUrl { return a.url }

// Subscribe adds or replaces sub in activeSubscriptions and connects if
// needed. Replacing an existing id sends CLOSE before the new REQ.
func (a *RelayAgent) Subscribe(sub SubscriptionId, filters Filters) {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	_, replacing := a.subs[sub]
	a.subs[sub] = filters
	a.emptySince = time.Time{}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}

	if a.phase == phaseConnected {
		if replacing {
			a.sendCloseLocked(sub)
		}
		a.sendReqLocked(sub, filters)
		a.mu.Unlock()
		return
	}
	a.ensureConnectingLocked()
	a.mu.Unlock()
}

// Unsubscribe sends CLOSE if connected and removes the subscription. When
// the set becomes empty the socket is closed after the idle grace.
func (a *RelayAgent) Unsubscribe(sub SubscriptionId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[sub]; !ok {
		return
	}
	if a.phase == phaseConnected {
		a.sendCloseLocked(sub)
	}
	delete(a.subs, sub)
	if len(a.subs) == 0 {
		a.emptySince = a.now()
		if a.phase == phaseReconnecting {
			// nothing left to resubscribe; stop retrying
			if a.reconnectTimer != nil {
				a.reconnectTimer.Stop()
				a.reconnectTimer = nil
			}
			a.phase = phaseDisconnected
			a.phaseStartedAt = a.now()
			a.nextReconnectAt = time.Time{}
		} else {
			a.scheduleIdleCloseLocked()
		}
	}
}

// HasSubscription reports whether sub is in activeSubscriptions; the
// health checker uses it to detect desynchronised state.
func (a *RelayAgent) HasSubscription(sub SubscriptionId) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.subs[sub]
	return ok
}

// Publish ensures a connection, sends EVENT, and returns a channel that
// yields the OK outcome. A connect failure fails the publish immediately
// with a "Connection failed" ack; the tracker's deadline is the backstop
// for relays that connect but never reply.
func (a *RelayAgent) Publish(ev Event) <-chan publishAck {
	ch := make(chan publishAck, 1)
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		ch <- publishAck{Accepted: false, Message: "disposed"}
		return ch
	}
	a.pendingOKs[ev.ID] = append(a.pendingOKs[ev.ID], ch)
	if a.phase == phaseConnected {
		if err := a.sendLocked(mustEncodeEvent(ev)); err != nil {
			a.resolveOKLocked(ev.ID, publishAck{Accepted: false, Message: "Connection failed: " + err.Error()})
		}
		a.mu.Unlock()
		return ch
	}
	a.queued = append(a.queued, ev)
	a.ensureConnectingLocked()
	a.mu.Unlock()
	return ch
}

// CheckAndReconnect is the idempotent poke used by the health checker:
// it connects a Disconnected/Reconnecting agent with non-empty subs once
// the backoff deadline has passed, or immediately when forced.
func (a *RelayAgent) CheckAndReconnect(force bool) {
	a.mu.Lock()
	if a.disposed || len(a.subs) == 0 {
		a.mu.Unlock()
		return
	}
	switch a.phase {
	case phaseDisconnected:
		a.ensureConnectingLocked()
	case phaseReconnecting:
		if force || !a.now().Before(a.nextReconnectAt) {
			if a.reconnectTimer != nil {
				a.reconnectTimer.Stop()
				a.reconnectTimer = nil
			}
			a.startConnectingLocked()
		}
	}
	a.mu.Unlock()
}

// Probe sends a no-op REQ with limit 0 followed by CLOSE, as a liveness
// check on a Connected agent.
func (a *RelayAgent) Probe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseConnected {
		return
	}
	probe := SubscriptionId(probeSubPrefix + a.now().Format("150405.000"))
	a.sendReqLocked(probe, Filters{{LimitZero: true}})
	a.sendCloseLocked(probe)
}

// Dispose cancels all timers, closes the socket and fails every pending
// publish. The agent is terminal afterwards.
func (a *RelayAgent) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
	}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	if a.sock != nil {
		a.sock.Close()
		a.sock = nil
	}
	a.sockGen++
	a.phase = phaseDisconnected
	a.phaseStartedAt = a.now()
	pending := a.pendingOKs
	a.pendingOKs = map[EventID][]chan publishAck{}
	a.queued = nil
	a.mu.Unlock()

	for _, chans := range pending {
		for _, ch := range chans {
			select {
			case ch <- publishAck{Accepted: false, Message: "disposed"}:
			default:
			}
		}
	}
	a.notifyPhase()
}

// phaseInfo reports connection diagnostics for PoolState snapshots.
func (a *RelayAgent) phaseInfo() (connPhase, string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase, a.lastError, a.reconnectAttempts
}

// idleExpired reports whether the agent has had no subscriptions for at
// least grace; used by the periodic GC.
func (a *RelayAgent) idleExpired(grace time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.subs) != 0 || a.emptySince.IsZero() {
		return false
	}
	return a.now().Sub(a.emptySince) >= grace
}

func (a *RelayAgent) ensureConnectingLocked() {
	if a.phase == phaseConnecting || a.phase == phaseConnected {
		return
	}
	a.startConnectingLocked()
}

func (a *RelayAgent) startConnectingLocked() {
	a.phase = phaseConnecting
	a.phaseStartedAt = a.now()
	gen := a.sockGen
	go a.connect(gen)
}

// connect dials the relay; it runs on its own goroutine so callers never
// block on the handshake.
func (a *RelayAgent) connect(gen int) {
	a.notifyPhase()
	ctx, cancel := context.WithTimeout(context.Background(), a.connectTimeout)
	sock, err := a.dialer.Dial(ctx, a.url)
	cancel()

	a.mu.Lock()
	if a.disposed || gen != a.sockGen {
		a.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		a.lastError = (&ConnectFailedError{Relay: a.url, Reason: err.Error()}).Error()
		a.reconnectAttempts++
		a.failPendingLocked("Connection failed: " + err.Error())
		if len(a.subs) == 0 {
			a.phase = phaseDisconnected
			a.phaseStartedAt = a.now()
		} else {
			a.scheduleReconnectLocked(a.backoffDelay(a.reconnectAttempts))
		}
		a.mu.Unlock()
		a.notifyPhase()
		return
	}

	a.sock = sock
	a.sockGen++
	gen = a.sockGen
	a.phase = phaseConnected
	a.phaseStartedAt = a.now()
	a.reconnectAttempts = 0
	a.nextReconnectAt = time.Time{}
	a.lastActivityAt = a.now()
	a.lastError = ""

	// Resend every stored subscription. The coordinator may rewrite the
	// filters here (since clamp); what we send is what we store.
	for sub, filters := range a.subs {
		if a.hooks.rewriteFilters != nil {
			filters = a.hooks.rewriteFilters(sub, filters)
			a.subs[sub] = filters
		}
		a.sendReqLocked(sub, filters)
	}
	queued := a.queued
	a.queued = nil
	for _, ev := range queued {
		if err := a.sendLocked(mustEncodeEvent(ev)); err != nil {
			a.resolveOKLocked(ev.ID, publishAck{Accepted: false, Message: "Connection failed: " + err.Error()})
		}
	}
	if len(a.subs) == 0 && len(a.pendingOKs) == 0 {
		a.emptySince = a.now()
		a.scheduleIdleCloseLocked()
	}
	a.mu.Unlock()

	a.notifyPhase()
	go a.readLoop(sock, gen)
}

// readLoop is the single reader for one socket generation. Any read error
// tears the connection down and drives the state machine.
func (a *RelayAgent) readLoop(sock Socket, gen int) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			a.handleDisconnect(gen, err)
			return
		}

		a.mu.Lock()
		if a.disposed || gen != a.sockGen {
			a.mu.Unlock()
			return
		}
		a.lastActivityAt = a.now()
		a.mu.Unlock()

		msg, derr := decodeRelayMessage(data)
		if derr != nil {
			if a.hooks.onDecode != nil {
				a.hooks.onDecode(a.url, data)
			}
			continue
		}
		a.dispatch(msg)
	}
}

func (a *RelayAgent) dispatch(msg *relayMessage) {
	switch msg.Verb {
	case "EVENT":
		if a.hooks.onEvent != nil {
			a.hooks.onEvent(a.url, msg.Sub, msg.Event)
		}
	case "EOSE":
		if a.hooks.onEOSE != nil {
			a.hooks.onEOSE(a.url, msg.Sub)
		}
	case "OK":
		a.mu.Lock()
		a.resolveOKLocked(msg.EventID, publishAck{Accepted: msg.Accepted, Message: msg.Message})
		a.mu.Unlock()
	case "NOTICE":
		if a.hooks.onNotice != nil {
			a.hooks.onNotice(a.url, msg.Message)
		}
	case "CLOSED":
		// The relay dropped a subscription we still consider active:
		// re-REQ it right away.
		a.mu.Lock()
		filters, active := a.subs[msg.Sub]
		if active && a.phase == phaseConnected {
			a.sendReqLocked(msg.Sub, filters)
		}
		a.mu.Unlock()
		if a.hooks.onClosed != nil {
			a.hooks.onClosed(a.url, msg.Sub, msg.Reason)
		}
	default:
		// Unrecognised verb: ignore.
	}
}

// handleDisconnect records the error and schedules a reconnect. The first
// disconnect after a Connected state retries immediately; later failures
// follow the exponential schedule.
func (a *RelayAgent) handleDisconnect(gen int, err error) {
	a.mu.Lock()
	if a.disposed || gen != a.sockGen {
		a.mu.Unlock()
		return
	}
	if a.sock != nil {
		a.sock.Close()
		a.sock = nil
	}
	a.sockGen++
	wasConnected := a.phase == phaseConnected
	if err != nil {
		a.lastError = err.Error()
	}
	a.failPendingLocked("Connection failed: " + a.lastError)

	if len(a.subs) == 0 {
		a.phase = phaseDisconnected
		a.phaseStartedAt = a.now()
		a.mu.Unlock()
		a.notifyPhase()
		return
	}

	a.reconnectAttempts++
	delay := a.backoffDelay(a.reconnectAttempts)
	if wasConnected && a.reconnectAttempts == 1 {
		delay = 0
	}
	a.scheduleReconnectLocked(delay)
	a.mu.Unlock()
	a.notifyPhase()
}

func (a *RelayAgent) scheduleReconnectLocked(delay time.Duration) {
	a.phase = phaseReconnecting
	a.phaseStartedAt = a.now()
	a.nextReconnectAt = a.now().Add(delay)
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
	}
	a.reconnectTimer = time.AfterFunc(delay, func() {
		a.mu.Lock()
		if a.disposed || a.phase != phaseReconnecting || len(a.subs) == 0 {
			a.mu.Unlock()
			return
		}
		a.startConnectingLocked()
		a.mu.Unlock()
	})
}

// backoffDelay is min(100ms * 2^(n-1), maxReconnectDelay) for 1-indexed
// attempt n.
func (a *RelayAgent) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= a.maxReconnectDelay {
			return a.maxReconnectDelay
		}
	}
	if d > a.maxReconnectDelay {
		return a.maxReconnectDelay
	}
	return d
}

func (a *RelayAgent) scheduleIdleCloseLocked() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleTimer = time.AfterFunc(a.idleTimeout, func() {
		a.mu.Lock()
		if a.disposed || len(a.subs) != 0 || a.phase != phaseConnected {
			a.mu.Unlock()
			return
		}
		if a.sock != nil {
			a.sock.Close()
			a.sock = nil
		}
		a.sockGen++
		a.phase = phaseDisconnected
		a.phaseStartedAt = a.now()
		a.mu.Unlock()
		a.notifyPhase()
	})
}

func (a *RelayAgent) sendReqLocked(sub SubscriptionId, filters Filters) {
	data, err := encodeReq(sub, filters)
	if err != nil {
		return
	}
	a.sendLocked(data)
}

func (a *RelayAgent) sendCloseLocked(sub SubscriptionId) {
	data, err := encodeClose(sub)
	if err != nil {
		return
	}
	a.sendLocked(data)
}

func (a *RelayAgent) sendLocked(data []byte) error {
	if a.sock == nil {
		return &SendFailedError{Relay: a.url, Reason: "not connected"}
	}
	if err := a.sock.WriteMessage(data); err != nil {
		a.lastError = (&SendFailedError{Relay: a.url, Reason: err.Error()}).Error()
		return err
	}
	return nil
}

func (a *RelayAgent) resolveOKLocked(id EventID, ack publishAck) {
	chans := a.pendingOKs[id]
	if len(chans) == 0 {
		return
	}
	delete(a.pendingOKs, id)
	for _, ch := range chans {
		select {
		case ch <- ack:
		default:
		}
	}
}

func (a *RelayAgent) failPendingLocked(message string) {
	for id := range a.pendingOKs {
		a.resolveOKLocked(id, publishAck{Accepted: false, Message: message})
	}
	a.queued = nil
}

func (a *RelayAgent) notifyPhase() {
	if a.hooks.onPhase != nil {
		a.hooks.onPhase(a.url)
	}
}

func mustEncodeEvent(ev Event) []byte {
	data, err := encodeEvent(ev)
	if err != nil {
		return []byte("[]")
	}
	return data
}
