package pool

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// The wire protocol is framed as JSON arrays over WebSocket text frames.
// Serialization is delegated to go-nostr's envelope types; this file only
// adapts them to the small normalized form the agent dispatches on.

// encodeReq builds ["REQ", sub_id, filter1, filter2, ...].
func encodeReq(sub SubscriptionId, filters Filters) ([]byte, error) {
	return nostr.ReqEnvelope{SubscriptionID: string(sub), Filters: filters}.MarshalJSON()
}

// encodeClose builds ["CLOSE", sub_id].
func encodeClose(sub SubscriptionId) ([]byte, error) {
	return nostr.CloseEnvelope(sub).MarshalJSON()
}

// encodeEvent builds ["EVENT", event].
func encodeEvent(ev Event) ([]byte, error) {
	return nostr.EventEnvelope{Event: ev}.MarshalJSON()
}

// relayMessage is the decoded form of any relay->client frame.
type relayMessage struct {
	Verb string

	// EVENT
	Sub   SubscriptionId
	Event Event

	// OK
	EventID  EventID
	Accepted bool
	Message  string

	// CLOSED
	Reason string
}

// decodeRelayMessage parses a single relay->client frame via
// nostr.ParseMessage. Envelope kinds the agent has no use for (AUTH,
// COUNT, ...) come back with just Verb set and are ignored upstream;
// frames the library cannot parse, and OK frames whose status is not a
// boolean, yield a *DecodeError.
func decodeRelayMessage(raw []byte) (*relayMessage, error) {
	env := nostr.ParseMessage(raw)
	if env == nil {
		return nil, &DecodeError{Raw: raw}
	}

	msg := &relayMessage{Verb: env.Label()}
	switch e := env.(type) {
	case *nostr.EventEnvelope:
		if e.SubscriptionID != nil {
			msg.Sub = SubscriptionId(*e.SubscriptionID)
		}
		msg.Event = e.Event

	case *nostr.EOSEEnvelope:
		msg.Sub = SubscriptionId(*e)

	case *nostr.OKEnvelope:
		// The status must be a JSON boolean; anything else is malformed.
		var fields []json.RawMessage
		var status bool
		if json.Unmarshal(raw, &fields) != nil || len(fields) < 3 || json.Unmarshal(fields[2], &status) != nil {
			return nil, &DecodeError{Raw: raw}
		}
		msg.EventID = e.EventID
		msg.Accepted = e.OK
		msg.Message = e.Reason

	case *nostr.NoticeEnvelope:
		msg.Message = string(*e)

	case *nostr.ClosedEnvelope:
		msg.Sub = SubscriptionId(e.SubscriptionID)
		msg.Reason = e.Reason
	}

	return msg, nil
}
