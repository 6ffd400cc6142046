package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/telephony"
)

// outbound is the only writer of one socket. Pumps enqueue frames without
// blocking; priority frames are written before queued normal frames.
type outbound struct {
	ws           Socket
	direction    string
	normal       chan telephony.Frame
	priority     chan telephony.Frame
	writeTimeout time.Duration
	metrics      *observability.Metrics
}

func newOutbound(ws Socket, direction string, size int, writeTimeout time.Duration, metrics *observability.Metrics) *outbound {
	if size <= 0 {
		size = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &outbound{
		ws:           ws,
		direction:    direction,
		normal:       make(chan telephony.Frame, size),
		priority:     make(chan telephony.Frame, 16),
		writeTimeout: writeTimeout,
		metrics:      metrics,
	}
}

// Send queues a frame. It reports false when the frame was dropped because
// the queue is full.
func (o *outbound) Send(f telephony.Frame) bool {
	select {
	case o.normal <- f:
		return true
	default:
		o.dropped()
		return false
	}
}

func (o *outbound) SendPriority(f telephony.Frame) bool {
	select {
	case o.priority <- f:
		return true
	default:
		o.dropped()
		return false
	}
}

// Discard drops every queued normal frame and returns how many were dropped.
func (o *outbound) Discard() int {
	n := 0
	for {
		select {
		case <-o.normal:
			n++
		default:
			return n
		}
	}
}

func (o *outbound) dropped() {
	if o.metrics != nil {
		o.metrics.DroppedFrames.WithLabelValues(o.direction).Inc()
	}
}

// Run writes queued frames until ctx is done or a write fails. The socket
// is closed on return, which unblocks the pump reading from it.
func (o *outbound) Run(ctx context.Context) error {
	defer o.ws.Close()

	for {
		select {
		case f := <-o.priority:
			if err := o.write(f); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			o.flushPriority()
			_ = o.write(telephony.Frame{
				MessageType: websocket.CloseMessage,
				Data:        websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			})
			return nil
		case f := <-o.priority:
			if err := o.write(f); err != nil {
				return err
			}
		case f := <-o.normal:
			select {
			case p := <-o.priority:
				if err := o.write(p); err != nil {
					return err
				}
			default:
			}
			if err := o.write(f); err != nil {
				return err
			}
		}
	}
}

func (o *outbound) flushPriority() {
	for i := 0; i < cap(o.priority); i++ {
		select {
		case f := <-o.priority:
			if err := o.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (o *outbound) write(f telephony.Frame) error {
	if err := o.ws.SetWriteDeadline(time.Now().Add(o.writeTimeout)); err != nil {
		return err
	}
	return o.ws.WriteMessage(f.MessageType, f.Data)
}
