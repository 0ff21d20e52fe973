// Package pool implements the client-side relay-pool engine: the
// per-relay connection agent, the multi-relay subscription coordinator,
// the publish-confirmation tracker, and the observability snapshot
// model described for a Nostr-style event protocol.
package pool

import (
	"github.com/nbd-wtf/go-nostr"
)

// Event is the opaque signed payload the pool fans out and publishes. The
// engine never interprets it beyond ID, Kind, PubKey, CreatedAt and Tags.
type Event = nostr.Event

// EventID is a 64-char lowercase hex event id.
type EventID = string

// Filter and Filters carry the query grammar: ids, authors, kinds, since,
// until, limit and single-letter tag filters. Multiple filters in one REQ
// are OR-combined.
type Filter = nostr.Filter
type Filters = nostr.Filters

// SubscriptionId is a caller-stable opaque identifier; uniqueness is the
// caller's contract.
type SubscriptionId string

// QuerySource describes where and how a subscription should run.
type QuerySource struct {
	Relays      map[RelayUrl]struct{}
	Stream      bool
	EventFilter func(Event) bool
}

// PublishResult is one relay's outcome for one event within a publish call.
type PublishResult struct {
	Relay    RelayUrl
	Accepted bool
	Message  string
}

// PublishResponse aggregates outcomes for every (event_id, relay) pair in a
// publish call.
type PublishResponse struct {
	Results map[EventID][]PublishResult
}
