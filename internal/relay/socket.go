package relay

import (
	"context"
	"time"

	"github.com/ent0n29/callbridge/internal/engine"
)

// Socket is the part of a websocket connection the relay uses.
// *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// EngineDialer opens one realtime engine connection per call.
type EngineDialer interface {
	Dial(ctx context.Context) (Socket, error)
}

// DialerFunc adapts a function to EngineDialer.
type DialerFunc func(ctx context.Context) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context) (Socket, error) { return f(ctx) }

// EngineDialerFrom adapts the engine websocket dialer.
func EngineDialerFrom(d *engine.Dialer) EngineDialer {
	return DialerFunc(func(ctx context.Context) (Socket, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
