package pool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// fakeSocket is an in-memory Socket. Frames pushed via serve() come out
// of ReadMessage; client writes are recorded and optionally answered by
// onWrite.
type fakeSocket struct {
	url RelayUrl

	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	writes  [][]byte
	onWrite func(s *fakeSocket, frame []json.RawMessage)
}

func newFakeSocket(url RelayUrl, onWrite func(*fakeSocket, []json.RawMessage)) *fakeSocket {
	return &fakeSocket{
		url:     url,
		in:      make(chan []byte, 256),
		closed:  make(chan struct{}),
		onWrite: onWrite,
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return errors.New("use of closed connection")
	default:
	}
	s.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, cp)
	onWrite := s.onWrite
	s.mu.Unlock()

	if onWrite != nil {
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err == nil {
			onWrite(s, frame)
		}
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// serve pushes one relay->client frame into the read loop.
func (s *fakeSocket) serve(frame ...any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	select {
	case s.in <- data:
	case <-s.closed:
	}
}

func (s *fakeSocket) sentFrames() [][]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]json.RawMessage, 0, len(s.writes))
	for _, w := range s.writes {
		var frame []json.RawMessage
		if err := json.Unmarshal(w, &frame); err == nil {
			out = append(out, frame)
		}
	}
	return out
}

func (s *fakeSocket) countVerb(verb string) int {
	n := 0
	for _, frame := range s.sentFrames() {
		var v string
		if len(frame) > 0 && json.Unmarshal(frame[0], &v) == nil && v == verb {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeSockets, failing urls listed in offline. It
// remembers every socket it created so tests can script both directions.
type fakeDialer struct {
	mu      sync.Mutex
	offline map[RelayUrl]bool
	onWrite func(*fakeSocket, []json.RawMessage)
	socks   map[RelayUrl][]*fakeSocket
	fails   map[RelayUrl]int // remaining dial failures before success
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		offline: map[RelayUrl]bool{},
		socks:   map[RelayUrl][]*fakeSocket{},
		fails:   map[RelayUrl]int{},
	}
}

func (d *fakeDialer) Dial(_ context.Context, url RelayUrl) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offline[url] {
		return nil, errors.New("connection refused")
	}
	if d.fails[url] > 0 {
		d.fails[url]--
		return nil, errors.New("connection refused")
	}
	s := newFakeSocket(url, d.onWrite)
	d.socks[url] = append(d.socks[url], s)
	return s, nil
}

func (d *fakeDialer) socket(url RelayUrl, i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.socks[url]) {
		return nil
	}
	return d.socks[url][i]
}

func (d *fakeDialer) dialCount(url RelayUrl) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks[url])
}

// scriptRelay returns an onWrite handler behaving like a minimal relay:
// every REQ is answered with the backlog then EOSE, every EVENT with OK.
func scriptRelay(backlog map[RelayUrl][]Event, accept bool, okMessage string) func(*fakeSocket, []json.RawMessage) {
	return func(s *fakeSocket, frame []json.RawMessage) {
		var verb string
		if len(frame) == 0 || json.Unmarshal(frame[0], &verb) != nil {
			return
		}
		switch verb {
		case "REQ":
			var sub string
			if len(frame) < 2 || json.Unmarshal(frame[1], &sub) != nil {
				return
			}
			for _, ev := range backlog[s.url] {
				s.serve("EVENT", sub, ev)
			}
			s.serve("EOSE", sub)
		case "EVENT":
			var ev Event
			if len(frame) < 2 || json.Unmarshal(frame[1], &ev) != nil {
				return
			}
			s.serve("OK", ev.ID, accept, okMessage)
		}
	}
}

func testEvent(id string, createdAt int64) Event {
	return Event{
		ID:        id,
		PubKey:    "b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4",
		Kind:      1,
		CreatedAt: nostr.Timestamp(createdAt),
		Content:   "note " + id,
	}
}

func urlSet(urls ...RelayUrl) map[RelayUrl]struct{} {
	set := make(map[RelayUrl]struct{}, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	return set
}
