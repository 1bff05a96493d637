package subscriber

import (
	"context"

	"github.com/illmade-knight/go-wsbridge/pkg/types"
)

// Subscriber is one live upstream subscription. A Subscriber is not restartable:
// once Receive has failed, a new one must be opened.
type Subscriber interface {
	// Receive blocks until the next frame arrives. It fails with types.ErrConnectionLost
	// when the connection drops and types.ErrTimeout when the idle bound passes.
	// If ctx is cancelled it returns ctx.Err() as is.
	Receive(ctx context.Context) (types.InboundMessage, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Opener establishes a new Subscriber, failing with types.ErrConnectFailure.
type Opener func(ctx context.Context) (Subscriber, error)
