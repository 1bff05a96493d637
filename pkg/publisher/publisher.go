package publisher

import (
	"context"

	"github.com/illmade-knight/go-wsbridge/pkg/types"
)

// Publisher sends records to the destination log, one at a time.
type Publisher interface {
	// Publish sends rec and waits for the broker's acknowledgment. Failures carry
	// types.ErrConnectionLost, types.ErrPublishFailure or types.ErrPublishRejected.
	// If ctx is cancelled it returns ctx.Err() as is.
	Publish(ctx context.Context, rec types.OutboundRecord) (types.Acknowledgment, error)
	// Close flushes and releases the connection. It is idempotent and best-effort:
	// problems are logged, not returned.
	Close(ctx context.Context) error
}

// Opener establishes a new Publisher, failing with types.ErrConnectFailure when
// no broker is reachable.
type Opener func(ctx context.Context) (Publisher, error)
