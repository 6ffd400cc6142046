package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
	"github.com/ent0n29/callbridge/internal/transcript"
)

var (
	errSocketClosed = errors.New("socket closed")
	errReadTimeout  = errors.New("read deadline exceeded")
)

type wsMessage struct {
	mt   int
	data []byte
}

// fakeSocket is an in-memory websocket. Tests push what the peer sends
// into in and observe what the relay wrote on writes.
type fakeSocket struct {
	in     chan wsMessage
	writes chan wsMessage
	closed chan struct{}
	once   sync.Once

	mu           sync.Mutex
	readDeadline time.Time
	all          []wsMessage
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan wsMessage, 64),
		writes: make(chan wsMessage, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	deadline := f.readDeadline
	f.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-f.closed:
		return 0, nil, errSocketClosed
	default:
	}
	select {
	case m := <-f.in:
		return m.mt, m.data, nil
	case <-f.closed:
		return 0, nil, errSocketClosed
	case <-expired:
		return 0, nil, errReadTimeout
	}
}

func (f *fakeSocket) WriteMessage(mt int, data []byte) error {
	select {
	case <-f.closed:
		return errSocketClosed
	default:
	}
	m := wsMessage{mt: mt, data: append([]byte(nil), data...)}
	f.mu.Lock()
	f.all = append(f.all, m)
	f.mu.Unlock()
	select {
	case f.writes <- m:
	default:
	}
	return nil
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDeadline = t
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSocket) send(text string) {
	f.in <- wsMessage{mt: websocket.TextMessage, data: []byte(text)}
}

func (f *fakeSocket) sendBinary(data []byte) {
	f.in <- wsMessage{mt: websocket.BinaryMessage, data: data}
}

type matcher func(map[string]any) bool

func ofType(v string) matcher  { return func(m map[string]any) bool { return m["type"] == v } }
func ofEvent(v string) matcher { return func(m map[string]any) bool { return m["event"] == v } }

// next returns the next written JSON message that matches, skipping others.
func (f *fakeSocket) next(t *testing.T, match matcher) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.writes:
			if m.mt != websocket.TextMessage {
				continue
			}
			var v map[string]any
			if err := json.Unmarshal(m.data, &v); err != nil {
				continue
			}
			if match(v) {
				return v
			}
		case <-timeout:
			t.Fatalf("timed out waiting for a matching message")
			return nil
		}
	}
}

func (f *fakeSocket) nextBinary(t *testing.T) []byte {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.writes:
			if m.mt == websocket.BinaryMessage {
				return m.data
			}
		case <-timeout:
			t.Fatalf("timed out waiting for a binary message")
			return nil
		}
	}
}

// count returns how many JSON messages written so far match.
func (f *fakeSocket) count(match matcher) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.all {
		var v map[string]any
		if m.mt == websocket.TextMessage && json.Unmarshal(m.data, &v) == nil && match(v) {
			n++
		}
	}
	return n
}

func (f *fakeSocket) closeFrame() (wsMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.all {
		if m.mt == websocket.CloseMessage {
			return m, true
		}
	}
	return wsMessage{}, false
}

type fakeProvider struct {
	name string
	err  error

	mu    sync.Mutex
	ended []string
}

var _ telephony.Provider = (*fakeProvider)(nil)

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) From() string { return "+15550000000" }

func (p *fakeProvider) PlaceCall(context.Context, telephony.PlaceCallRequest) (string, error) {
	return "", telephony.ErrNotConfigured
}

func (p *fakeProvider) EndCall(_ context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, callID)
	return p.err
}

func (p *fakeProvider) endedCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ended...)
}

type fakeFlusher struct {
	mu      sync.Mutex
	flushed [][]session.Fragment
}

func (f *fakeFlusher) Flush(_ context.Context, s *session.CallSession) transcript.Result {
	fragments, ok := s.TakeTranscript()
	if !ok {
		return transcript.Result{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, fragments)
	return transcript.Result{Fragments: len(fragments)}
}

func (f *fakeFlusher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushed)
}
