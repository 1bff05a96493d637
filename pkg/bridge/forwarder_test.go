package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/illmade-knight/go-wsbridge/pkg/bridge"
	"github.com/illmade-knight/go-wsbridge/pkg/record"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEncoder(t *testing.T) *record.Encoder {
	t.Helper()
	enc, err := record.NewEncoder("trades", "s")
	require.NoError(t, err)
	return enc
}

func TestForwarder_ForwardsInOrder(t *testing.T) {
	// --- Arrange ---
	sub := &fakeSubscriber{steps: []step{
		frame(`{"s":"BTCUSD","p":"50000"}`),
		frame(`{"s":"ETHUSD","p":"3000"}`),
		frame(`{"s":"BTCUSD","p":"50001"}`),
		frame(`{"s":"SOLUSD","p":"150"}`),
		failure(errors.Join(types.ErrConnectionLost, errors.New("close 1001"))),
	}}
	pub := &fakePublisher{}
	fwd := bridge.NewForwarder(sub, pub, newTestEncoder(t), "session-1", zerolog.Nop())

	var seen []uint64
	fwd.OnForward = func(msg types.InboundMessage, _ types.Acknowledgment) {
		seen = append(seen, msg.Seq)
	}

	// --- Act ---
	out := fwd.Run(context.Background())

	// --- Assert ---
	assert.Equal(t, bridge.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrConnectionLost)
	assert.True(t, out.Retryable())
	assert.Equal(t, uint64(4), out.Forwarded)
	assert.Equal(t, []uint64{1, 2, 3, 4}, seen)

	recs := pub.published()
	require.Len(t, recs, 4)
	var keys []string
	for i, r := range recs {
		keys = append(keys, r.Key)
		assert.Equal(t, "trades", r.Topic)
		assert.Equal(t, "session-1", r.Headers[record.HeaderSessionID])
		assert.Equal(t, []string{"1", "2", "3", "4"}[i], r.Headers[record.HeaderSequence])
	}
	assert.Equal(t, []string{"BTCUSD", "ETHUSD", "BTCUSD", "SOLUSD"}, keys)
}

func TestForwarder_SingleEventEndToEnd(t *testing.T) {
	sub := &fakeSubscriber{steps: []step{frame(`{"s":"BTCUSD","p":"50000"}`)}}
	pub := &fakePublisher{}
	fwd := bridge.NewForwarder(sub, pub, newTestEncoder(t), "", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	fwd.OnForward = func(types.InboundMessage, types.Acknowledgment) { cancel() }

	out := fwd.Run(ctx)

	assert.Equal(t, bridge.StateStopping, out.State)
	assert.NoError(t, out.Err)
	recs := pub.published()
	require.Len(t, recs, 1)
	assert.Equal(t, "BTCUSD", recs[0].Key)

	ev, err := record.Decode(recs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, record.Event{"s": "BTCUSD", "p": "50000"}, ev)
}

func TestForwarder_BadPayloadIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind error
	}{
		{name: "malformed", payload: `not-json`, wantKind: types.ErrMalformedPayload},
		{name: "invalid utf-8", payload: "{\"s\":\"BTC\xffUSD\"}", wantKind: types.ErrMalformedPayload},
		{name: "missing key", payload: `{"p":"1"}`, wantKind: types.ErrMissingKeyField},
		{name: "empty key", payload: `{"s":""}`, wantKind: types.ErrMissingKeyField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// --- Arrange ---
			logs := &syncBuffer{}
			sub := &fakeSubscriber{steps: []step{
				frame(`{"s":"BTCUSD"}`),
				frame(tt.payload),
				frame(`{"s":"ETHUSD"}`),
			}}
			pub := &fakePublisher{}
			fwd := bridge.NewForwarder(sub, pub, newTestEncoder(t), "s1", zerolog.New(logs))

			// --- Act ---
			out := fwd.Run(context.Background())

			// --- Assert ---
			assert.Equal(t, bridge.StateFailed, out.State)
			assert.ErrorIs(t, out.Err, tt.wantKind)
			assert.False(t, out.Retryable())
			assert.Equal(t, uint64(1), out.Forwarded)
			require.Len(t, pub.published(), 1, "nothing after the bad message is published")
			if utf8.ValidString(tt.payload) {
				assert.Equal(t, tt.payload, logField(t, logs, "raw_payload"), "raw payload is logged")
			} else {
				assert.NotNil(t, logField(t, logs, "raw_payload"), "raw payload is logged")
			}
		})
	}
}

func TestForwarder_PublishFailures(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      error
		wantRetryable bool
	}{
		{name: "broker failure", err: errors.Join(types.ErrPublishFailure, errors.New("not leader")), wantKind: types.ErrPublishFailure, wantRetryable: true},
		{name: "connection lost", err: errors.Join(types.ErrConnectionLost, errors.New("EOF")), wantKind: types.ErrConnectionLost, wantRetryable: true},
		{name: "unclassified", err: errors.New("mystery"), wantKind: types.ErrPublishFailure, wantRetryable: true},
		{name: "rejected", err: errors.Join(types.ErrPublishRejected, errors.New("topic authorization failed")), wantKind: types.ErrPublishRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubscriber{steps: []step{frame(`{"s":"A"}`), frame(`{"s":"B"}`)}}
			pub := &fakePublisher{errs: []error{tt.err}}
			fwd := bridge.NewForwarder(sub, pub, newTestEncoder(t), "s1", zerolog.Nop())

			out := fwd.Run(context.Background())

			assert.Equal(t, bridge.StateFailed, out.State)
			assert.ErrorIs(t, out.Err, tt.wantKind)
			assert.Equal(t, tt.wantRetryable, out.Retryable())
			assert.Zero(t, out.Forwarded)
			assert.Empty(t, pub.published(), "a failed message is not retried")
		})
	}
}

func TestForwarder_UnclassifiedReceiveErrorIsConnectionLost(t *testing.T) {
	sub := &fakeSubscriber{steps: []step{failure(errors.New("read: connection reset by peer"))}}
	fwd := bridge.NewForwarder(sub, &fakePublisher{}, newTestEncoder(t), "s1", zerolog.Nop())

	out := fwd.Run(context.Background())

	assert.Equal(t, bridge.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrConnectionLost)
	assert.True(t, out.Retryable())
}

func TestForwarder_TimeoutIsRetryable(t *testing.T) {
	sub := &fakeSubscriber{steps: []step{failure(errors.Join(types.ErrTimeout, errors.New("idle")))}}
	fwd := bridge.NewForwarder(sub, &fakePublisher{}, newTestEncoder(t), "s1", zerolog.Nop())

	out := fwd.Run(context.Background())

	assert.ErrorIs(t, out.Err, types.ErrTimeout)
	assert.True(t, out.Retryable())
}

func TestForwarder_Cancellation(t *testing.T) {
	t.Run("while waiting to receive", func(t *testing.T) {
		sub := &fakeSubscriber{}
		fwd := bridge.NewForwarder(sub, &fakePublisher{}, newTestEncoder(t), "s1", zerolog.Nop())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		t.Cleanup(cancel)

		out := fwd.Run(ctx)

		assert.Equal(t, bridge.StateStopping, out.State)
		assert.NoError(t, out.Err)
		assert.False(t, out.Retryable())
	})

	t.Run("while waiting for the acknowledgment", func(t *testing.T) {
		sub := &fakeSubscriber{steps: []step{frame(`{"s":"BTCUSD"}`)}}
		fwd := bridge.NewForwarder(sub, &fakePublisher{block: true}, newTestEncoder(t), "s1", zerolog.Nop())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		t.Cleanup(cancel)

		out := fwd.Run(ctx)

		assert.Equal(t, bridge.StateStopping, out.State)
		assert.Zero(t, out.Forwarded)
	})

	t.Run("already cancelled", func(t *testing.T) {
		sub := &fakeSubscriber{steps: []step{frame(`{"s":"BTCUSD"}`)}}
		pub := &fakePublisher{}
		fwd := bridge.NewForwarder(sub, pub, newTestEncoder(t), "s1", zerolog.Nop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		out := fwd.Run(ctx)

		assert.Equal(t, bridge.StateStopping, out.State)
		assert.Empty(t, pub.published())
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "RUNNING", bridge.StateRunning.String())
	assert.Equal(t, "STOPPING", bridge.StateStopping.String())
	assert.Equal(t, "FAILED", bridge.StateFailed.String())
}
