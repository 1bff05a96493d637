package bridge

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-wsbridge/pkg/publisher"
	"github.com/illmade-knight/go-wsbridge/pkg/record"
	"github.com/illmade-knight/go-wsbridge/pkg/subscriber"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Forwarder moves messages from one Subscriber to one Publisher, strictly in
// arrival order with a single publish in flight. It lives for one attempt.
type Forwarder struct {
	sub       subscriber.Subscriber
	pub       publisher.Publisher
	enc       *record.Encoder
	sessionID string
	logger    zerolog.Logger

	// OnForward, if set, is called after each acknowledged publish.
	OnForward func(msg types.InboundMessage, ack types.Acknowledgment)
}

// NewForwarder creates a Forwarder over the given handles.
func NewForwarder(sub subscriber.Subscriber, pub publisher.Publisher, enc *record.Encoder, sessionID string, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		sub:       sub,
		pub:       pub,
		enc:       enc,
		sessionID: sessionID,
		logger:    logger.With().Str("component", "Forwarder").Str("session_id", sessionID).Logger(),
	}
}

// Run forwards until ctx is cancelled (StateStopping) or a step fails (StateFailed).
// A message whose publish failed is not retried.
func (f *Forwarder) Run(ctx context.Context) Outcome {
	var forwarded uint64
	stopping := func() Outcome {
		return Outcome{State: StateStopping, Forwarded: forwarded}
	}
	failed := func(err error) Outcome {
		return Outcome{State: StateFailed, Err: err, Forwarded: forwarded}
	}

	for {
		if ctx.Err() != nil {
			return stopping()
		}

		msg, err := f.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return stopping()
			}
			if !types.Classified(err) {
				err = errors.Join(types.ErrConnectionLost, err)
			}
			return failed(err)
		}

		ev, err := record.Decode(msg.Payload)
		if err != nil {
			f.logBadPayload(err, msg)
			return failed(err)
		}
		rec, err := f.enc.Encode(ev, msg, f.sessionID)
		if err != nil {
			f.logBadPayload(err, msg)
			return failed(err)
		}

		ack, err := f.pub.Publish(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return stopping()
			}
			if !types.Classified(err) {
				err = errors.Join(types.ErrPublishFailure, err)
			}
			f.logger.Warn().Err(err).Uint64("seq", msg.Seq).Str("key", rec.Key).Msg("Publish failed; the in-flight message will not be retried.")
			return failed(err)
		}
		forwarded++

		f.logger.Info().
			Uint64("seq", msg.Seq).
			Str("key", rec.Key).
			Int32("partition", ack.Partition).
			Int64("offset", ack.Offset).
			Str("message_id", ack.MessageID).
			RawJSON("event", rec.Value).
			Msg("Processing message")

		if f.OnForward != nil {
			f.OnForward(msg, ack)
		}
	}
}

func (f *Forwarder) logBadPayload(err error, msg types.InboundMessage) {
	f.logger.Error().
		Err(err).
		Str("error_kind", types.Kind(err)).
		Uint64("seq", msg.Seq).
		Bytes("raw_payload", msg.Payload).
		Msg("Inbound message rejected; stopping the stream.")
}
