package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T, d *fakeDialer, hooks agentHooks) *RelayAgent {
	t.Helper()
	a := newRelayAgent("wss://r1", d, hooks, time.Second, 500*time.Millisecond, 50*time.Millisecond, nil)
	t.Cleanup(a.Dispose)
	return a
}

func waitPhase(t *testing.T, a *RelayAgent, want connPhase) {
	t.Helper()
	require.Eventually(t, func() bool {
		phase, _, _ := a.phaseInfo()
		return phase == want
	}, 2*time.Second, 5*time.Millisecond, "agent never reached %s", want)
}

func TestAgentSubscribeConnectsAndSendsReq(t *testing.T) {
	d := newFakeDialer()
	a := newTestAgent(t, d, agentHooks{})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)

	_, _, attempts := a.phaseInfo()
	assert.Zero(t, attempts, "Connected implies reconnect_attempts == 0")

	sock := d.socket("wss://r1", 0)
	require.NotNil(t, sock)
	require.Eventually(t, func() bool { return sock.countVerb("REQ") == 1 }, time.Second, 5*time.Millisecond)
}

func TestAgentReplaceSubscriptionClosesFirst(t *testing.T) {
	d := newFakeDialer()
	a := newTestAgent(t, d, agentHooks{})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)
	a.Subscribe("sub-1", Filters{{Kinds: []int{30023}}})

	sock := d.socket("wss://r1", 0)
	require.Eventually(t, func() bool {
		return sock.countVerb("CLOSE") == 1 && sock.countVerb("REQ") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestAgentRetriesAfterConnectFailure(t *testing.T) {
	d := newFakeDialer()
	d.fails["wss://r1"] = 2
	a := newTestAgent(t, d, agentHooks{})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)

	assert.Equal(t, 1, d.dialCount("wss://r1"), "two failed handshakes then one socket")
	_, _, attempts := a.phaseInfo()
	assert.Zero(t, attempts)
}

func TestAgentResubscribesAfterDrop(t *testing.T) {
	var events atomic.Int32
	d := newFakeDialer()
	d.onWrite = scriptRelay(map[RelayUrl][]Event{"wss://r1": {testEvent("e1", 100)}}, true, "")
	a := newTestAgent(t, d, agentHooks{
		onEvent: func(RelayUrl, SubscriptionId, Event) { events.Add(1) },
	})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)
	require.Eventually(t, func() bool { return events.Load() == 1 }, time.Second, 5*time.Millisecond)

	// drop the socket: first reconnect is immediate and resends the REQ
	d.socket("wss://r1", 0).Close()
	require.Eventually(t, func() bool {
		return d.dialCount("wss://r1") == 2 && d.socket("wss://r1", 1).countVerb("REQ") == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return events.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestAgentRewritesFiltersOnResubscribe(t *testing.T) {
	var rewrites atomic.Int32
	d := newFakeDialer()
	a := newTestAgent(t, d, agentHooks{
		rewriteFilters: func(_ SubscriptionId, filters Filters) Filters {
			rewrites.Add(1)
			return filters
		},
	})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)
	assert.Equal(t, int32(1), rewrites.Load())

	d.socket("wss://r1", 0).Close()
	require.Eventually(t, func() bool { return rewrites.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestAgentClosedTriggersReReq(t *testing.T) {
	d := newFakeDialer()
	a := newTestAgent(t, d, agentHooks{})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)

	sock := d.socket("wss://r1", 0)
	sock.serve("CLOSED", "sub-1", "shutting down")
	require.Eventually(t, func() bool { return sock.countVerb("REQ") == 2 }, time.Second, 5*time.Millisecond)
}

func TestAgentPublishResolvesOnOK(t *testing.T) {
	d := newFakeDialer()
	d.onWrite = scriptRelay(nil, true, "")
	a := newTestAgent(t, d, agentHooks{})

	ack := a.Publish(testEvent("e1", 100))
	select {
	case got := <-ack:
		assert.True(t, got.Accepted)
	case <-time.After(2 * time.Second):
		t.Fatal("publish never acknowledged")
	}
}

func TestAgentPublishFailsWhenOffline(t *testing.T) {
	d := newFakeDialer()
	d.offline["wss://r1"] = true
	a := newTestAgent(t, d, agentHooks{})

	ack := a.Publish(testEvent("e1", 100))
	select {
	case got := <-ack:
		assert.False(t, got.Accepted)
		assert.Contains(t, got.Message, "Connection failed")
	case <-time.After(2 * time.Second):
		t.Fatal("publish never failed")
	}
}

func TestAgentDisposeFailsPendingPublishes(t *testing.T) {
	d := newFakeDialer()
	a := newTestAgent(t, d, agentHooks{})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)
	ack := a.Publish(testEvent("e1", 100))

	a.Dispose()
	select {
	case got := <-ack:
		assert.False(t, got.Accepted)
		assert.Equal(t, "disposed", got.Message)
	case <-time.After(time.Second):
		t.Fatal("dispose did not fail the pending publish")
	}

	phase, _, _ := a.phaseInfo()
	assert.Equal(t, phaseDisconnected, phase)
}

func TestAgentIdleClosesSocket(t *testing.T) {
	d := newFakeDialer()
	a := newTestAgent(t, d, agentHooks{})

	a.Subscribe("sub-1", Filters{{Kinds: []int{1}}})
	waitPhase(t, a, phaseConnected)
	a.Unsubscribe("sub-1")

	waitPhase(t, a, phaseDisconnected)
	assert.True(t, a.idleExpired(0))
}
