package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PubSubConfig holds configuration for the Google Pub/Sub publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
	// PublishTimeout bounds the wait for one publish confirmation.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	// TopicExistsTimeout bounds the existence check at open.
	TopicExistsTimeout time.Duration `mapstructure:"topic_exists_timeout"`
}

// NewPubSubDefaults provides a config with sensible defaults.
func NewPubSubDefaults() PubSubConfig {
	return PubSubConfig{
		PublishTimeout:     20 * time.Second,
		TopicExistsTimeout: 15 * time.Second,
	}
}

// Validate reports every problem with the config at once.
func (c PubSubConfig) Validate() error {
	var errs []error
	if c.ProjectID == "" {
		errs = append(errs, errors.New("pubsub project id is required"))
	}
	if c.TopicID == "" {
		errs = append(errs, errors.New("pubsub topic id is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{types.ErrConfig}, errs...)...)
}

// PubSubPublisher publishes records to a Pub/Sub topic, one confirmed message at a time.
// The record key becomes the ordering key so per-key order survives.
type PubSubPublisher struct {
	topic          *pubsub.Topic
	client         *pubsub.Client
	ownsClient     bool
	publishTimeout time.Duration
	logger         zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenPubSub creates a client from cfg and opts and checks the topic exists.
func OpenPubSub(ctx context.Context, cfg PubSubConfig, logger zerolog.Logger, opts ...option.ClientOption) (*PubSubPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(types.ErrConnectFailure, fmt.Errorf("create pubsub client for %s", cfg.ProjectID), err)
	}
	p, err := NewPubSubPublisher(ctx, cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	p.ownsClient = true
	return p, nil
}

// NewPubSubPublisher wraps an existing client. The client is not closed by Close.
func NewPubSubPublisher(ctx context.Context, cfg PubSubConfig, client *pubsub.Client, logger zerolog.Logger) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.Join(types.ErrConfig, fmt.Errorf("pubsub client cannot be nil"))
	}
	topic := client.Topic(cfg.TopicID)
	topic.EnableMessageOrdering = true
	// Publish one message per call rather than waiting to fill a batch.
	topic.PublishSettings.CountThreshold = 1
	topic.PublishSettings.DelayThreshold = time.Millisecond

	existsCtx := ctx
	if cfg.TopicExistsTimeout > 0 {
		var cancel context.CancelFunc
		existsCtx, cancel = context.WithTimeout(ctx, cfg.TopicExistsTimeout)
		defer cancel()
	}
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(types.ErrConnectFailure, fmt.Errorf("failed to check for topic %s", cfg.TopicID), err)
	}
	if !exists {
		return nil, errors.Join(types.ErrPublishRejected, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID))
	}

	p := &PubSubPublisher{
		topic:          topic,
		client:         client,
		publishTimeout: cfg.PublishTimeout,
		logger:         logger.With().Str("component", "PubSubPublisher").Str("topic_id", cfg.TopicID).Logger(),
	}
	p.logger.Info().Msg("Pub/Sub publisher connected")
	return p, nil
}

// Publish sends rec and waits for the server-assigned message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, rec types.OutboundRecord) (types.Acknowledgment, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return types.Acknowledgment{}, errors.Join(types.ErrConnectionLost, fmt.Errorf("publisher closed"))
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        rec.Value,
		Attributes:  rec.Headers,
		OrderingKey: rec.Key,
	})

	getCtx := ctx
	if p.publishTimeout > 0 {
		var cancel context.CancelFunc
		getCtx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}
	msgID, err := result.Get(getCtx)
	if err != nil {
		if ctx.Err() != nil {
			return types.Acknowledgment{}, ctx.Err()
		}
		// A failed publish pauses its ordering key until resumed. Attempts never
		// reuse a publisher, but resume anyway so the topic stays usable.
		p.topic.ResumePublish(rec.Key)
		return types.Acknowledgment{}, classifyPubSubError(err)
	}

	return types.Acknowledgment{
		Topic:     p.topic.ID(),
		Partition: -1,
		Offset:    -1,
		MessageID: msgID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Close flushes pending messages for the topic, respecting the context's timeout.
func (p *PubSubPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// topic.Stop() is blocking, so we wrap it to respect the context timeout.
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		if p.ownsClient {
			if err := p.client.Close(); err != nil {
				p.logger.Warn().Err(err).Msg("Failed to close Pub/Sub client.")
			}
		}
		close(stopDone)
	}()

	select {
	case <-stopDone:
		p.logger.Info().Msg("Pub/Sub publisher closed.")
	case <-ctx.Done():
		p.logger.Warn().Err(ctx.Err()).Msg("Timed out flushing Pub/Sub topic.")
	}
	return nil
}

// classifyPubSubError maps a publish error onto the publisher error kinds by gRPC status.
func classifyPubSubError(err error) error {
	if errors.Is(err, pubsub.ErrTopicStopped) {
		return errors.Join(types.ErrConnectionLost, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(types.ErrPublishFailure, err)
	}
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated,
		codes.InvalidArgument, codes.FailedPrecondition:
		return errors.Join(types.ErrPublishRejected, err)
	case codes.Unavailable, codes.Canceled:
		return errors.Join(types.ErrConnectionLost, err)
	default:
		return errors.Join(types.ErrPublishFailure, err)
	}
}
