package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/engine"
	"github.com/ent0n29/callbridge/internal/policy"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
)

// telephonyPump forwards caller audio to the engine. Whatever ends it, it
// cancels the engine side, waits for the engine pump so the transcript is
// complete, and terminates the call.
func (c *call) telephonyPump(ctx context.Context) error {
	defer func() {
		c.cancel()
		<-c.engineDone
		c.relay.terminator.Terminate(ctx, c.sess)
	}()

	if err := c.configure(ctx); err != nil {
		return err
	}

	for {
		mt, data, err := c.tel.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("telephony connection closed", zap.Error(err))
			}
			return nil
		}
		ev, err := c.codec.Decode(mt, data)
		if err != nil {
			c.logger.Warn("invalid telephony message", zap.Error(err))
			continue
		}
		c.countMessage(directionToEngine, ev.Kind.String())

		switch ev.Kind {
		case telephony.EventMedia:
			if ev.HasTimestamp {
				c.sess.ObserveMediaTimestamp(ev.Timestamp)
			}
			payload, err := engine.EncodeAudioAppend(ev.Payload)
			if err != nil {
				c.logger.Warn("encode audio append failed", zap.Error(err))
				continue
			}
			c.sendEngine(payload)
		case telephony.EventMark:
			c.sess.PopMark()
		case telephony.EventStop:
			c.logger.Info("media stream stopped by provider")
			c.sess.Advance(session.StatusEnding)
			return nil
		case telephony.EventStart:
			c.logger.Debug("ignoring repeated stream start", zap.String("stream_id", ev.StreamID))
		}
	}
}

// enginePump forwards agent audio to the caller and records the transcript.
// It never terminates the call itself.
func (c *call) enginePump(ctx context.Context) error {
	defer close(c.engineDone)
	defer c.cancel()
	defer c.stopEndTimer()

	for {
		_, data, err := c.eng.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("engine connection closed", zap.Error(err))
			}
			return nil
		}
		ev, err := engine.Decode(data)
		if err != nil {
			c.logger.Warn("invalid engine event", zap.Error(err))
			continue
		}
		c.countMessage(directionToTelephony, ev.Type)
		c.handleEngineEvent(ev)
	}
}

func (c *call) handleEngineEvent(ev engine.ServerEvent) {
	switch ev.Type {
	case engine.EventSessionCreated, engine.EventSessionUpdated:
		c.logger.Debug("engine session event", zap.String("type", ev.Type))

	case engine.EventError:
		code, message := "unknown", ""
		if ev.Error != nil {
			message = ev.Error.Message
			if ev.Error.Code != "" {
				code = ev.Error.Code
			}
		}
		if ev.IsBenign() {
			c.logger.Warn("engine truncation race", zap.String("message", message))
			return
		}
		c.logger.Error("engine error", zap.String("code", code), zap.String("message", message))
		if m := c.relay.metrics; m != nil {
			m.ProviderErrors.WithLabelValues("engine", code).Inc()
		}

	case engine.EventCallerTranscript:
		if c.sess.AppendCallerText(ev.Transcript) {
			text, _ := policy.RedactPII(ev.Transcript)
			c.logger.Debug("caller said", zap.String("text", text))
		}

	case engine.EventResponseDone:
		for _, item := range ev.MessageItems() {
			for _, text := range item.SpokenText() {
				c.sess.SetPendingUtterance(item.ID)
				c.sess.AppendAgentText(text)
				if phrase, ok := c.relay.cfg.EndPhrases.Match(text); ok {
					c.scheduleEnd(phrase)
				}
			}
		}

	case engine.EventAudioDelta:
		c.forwardAudio(ev)

	case engine.EventAudioDone:
		if f, ok := c.codec.EncodeResponseDone(c.streamID); ok {
			c.telOut.Send(f)
		}

	case engine.EventSpeechStarted:
		c.interrupter.HandleSpeechStarted(c.sess, c.engOut, c.telOut, c.codec)
	}
}

func (c *call) forwardAudio(ev engine.ServerEvent) {
	frames, err := c.codec.EncodeAudio(c.streamID, ev.Delta)
	if err != nil {
		c.logger.Warn("encode agent audio failed", zap.Error(err))
		return
	}
	for _, f := range frames {
		c.telOut.Send(f)
	}
	if d := c.sess.MarkUtteranceAudio(ev.ItemID); d > 0 && c.relay.metrics != nil {
		c.relay.metrics.ObserveFirstAudioLatency(d)
	}
	if !c.codec.SupportsMarks() {
		return
	}
	// The token is queued before the frame so an acknowledgement can never
	// arrive ahead of it.
	name := c.sess.PushMark()
	f, ok := c.codec.EncodeMark(c.streamID, name)
	if !ok || !c.telOut.Send(f) {
		c.sess.DropMark(name)
	}
}

func (c *call) countMessage(direction, kind string) {
	if m := c.relay.metrics; m != nil {
		m.RelayMessages.WithLabelValues(direction, kind).Inc()
	}
}
