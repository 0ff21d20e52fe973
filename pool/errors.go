package pool

import (
	"errors"
	"fmt"
)

// Error taxonomy. ConnectFailed, Timeout and DecodeError are
// transient/internal and drive the state machine or get recorded into
// PublishResponse/logs; they never reach the caller directly except where
// noted. DuplicateSubscription, InvalidUrl and Disposed are the only kinds
// a caller's future can observe.

var (
	// ErrTimeout names the timeout kind. It is not returned to callers: a
	// blocking query that times out returns its partial results with a nil
	// error, and a publish timeout becomes a
	// PublishResult{Accepted:false, Message:"Timeout"} entry.
	ErrTimeout = errors.New("pool: timeout")

	// ErrDisposed is terminal: Query and Publish return it once Dispose()
	// has been called. Calls already pending at that moment resolve with
	// an empty result (Query) or "disposed" outcomes (Publish) instead.
	ErrDisposed = errors.New("pool: disposed")

	// ErrVerificationFailed marks an event silently dropped before it
	// reaches the subscription buffer because the configured Verifier
	// rejected it.
	ErrVerificationFailed = errors.New("pool: verification failed")

	// ErrDecodeError marks a relay message that could not be parsed; it is
	// logged and dropped, never surfaced to a caller.
	ErrDecodeError = errors.New("pool: decode error")
)

// ConnectFailedError wraps a transient connect failure. It never
// propagates to a caller; it only drives RelayAgent's backoff.
type ConnectFailedError struct {
	Relay  RelayUrl
	Reason string
}

func (e *ConnectFailedError) Error() string {
	return fmt.Sprintf("connect failed for %s: %s", e.Relay, e.Reason)
}

// SendFailedError wraps a failed write to an open socket.
type SendFailedError struct {
	Relay  RelayUrl
	Reason string
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send failed for %s: %s", e.Relay, e.Reason)
}

// DuplicateSubscriptionError is surfaced immediately to the caller of
// Query when the subscription id is already registered.
type DuplicateSubscriptionError struct {
	ID SubscriptionId
}

func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("duplicate subscription: %s", e.ID)
}

// InvalidURLError is surfaced for an unparseable relay url. For Publish it
// is equivalent to an offline relay: it contributes a failed outcome
// rather than aborting the whole call.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid relay url %q: %s", e.URL, e.Reason)
}

// DecodeError carries the raw bytes that failed to parse, for logging.
type DecodeError struct {
	Raw []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not decode relay message: %s", string(e.Raw))
}

func (e *DecodeError) Unwrap() error { return ErrDecodeError }
