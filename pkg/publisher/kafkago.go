package publisher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ messageWriter = (*kafka.Writer)(nil)

// KafkaGoPublisher publishes records with the segmentio kafka-go writer.
type KafkaGoPublisher struct {
	topic  string
	logger zerolog.Logger

	mu     sync.Mutex
	writer messageWriter
}

// brokerProbe checks that a broker accepts connections.
type brokerProbe func(ctx context.Context, addr string) error

// OpenKafkaGo dials the brokers in cfg until one answers, then builds a
// synchronous writer.
func OpenKafkaGo(ctx context.Context, cfg KafkaConfig, logger zerolog.Logger) (*KafkaGoPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := kafkaGoDialer(cfg)
	probe := func(ctx context.Context, addr string) error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	return newKafkaGoPublisher(ctx, newKafkaGoWriter(cfg, logger), probe, cfg, logger)
}

func newKafkaGoPublisher(ctx context.Context, w messageWriter, probe brokerProbe, cfg KafkaConfig, logger zerolog.Logger) (*KafkaGoPublisher, error) {
	p := &KafkaGoPublisher{
		topic:  cfg.TopicName,
		writer: w,
		logger: logger.With().Str("component", "KafkaGoPublisher").Str("topic", cfg.TopicName).Logger(),
	}

	var errs []error
	reached := ""
	for _, addr := range cfg.BootstrapServers {
		if err := probe(ctx, addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		reached = addr
		break
	}
	if reached == "" {
		_ = w.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(append([]error{types.ErrConnectFailure,
			fmt.Errorf("no broker reachable at %s", strings.Join(cfg.BootstrapServers, ","))}, errs...)...)
	}

	p.logger.Info().Str("broker", reached).Msg("Kafka publisher connected")
	return p, nil
}

func kafkaGoDialer(cfg KafkaConfig) *kafka.Dialer {
	d := &kafka.Dialer{
		ClientID:      cfg.ClientID,
		Timeout:       cfg.DialTimeout,
		SASLMechanism: kafkaGoSASL(cfg),
	}
	if cfg.TLS {
		d.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return d
}

func kafkaGoSASL(cfg KafkaConfig) sasl.Mechanism {
	if cfg.SASLUsername == "" {
		return nil
	}
	return plain.Mechanism{Username: cfg.SASLUsername, Password: cfg.SASLPassword}
}

func newKafkaGoWriter(cfg KafkaConfig, logger zerolog.Logger) *kafka.Writer {
	transport := &kafka.Transport{
		ClientID:    cfg.ClientID,
		DialTimeout: cfg.DialTimeout,
		SASL:        kafkaGoSASL(cfg),
	}
	if cfg.TLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	acks := kafka.RequireOne
	if cfg.Acks == AcksAll {
		acks = kafka.RequireAll
	}

	log := logger.With().Str("component", "kafka-go").Logger()
	return &kafka.Writer{
		Addr: kafka.TCP(cfg.BootstrapServers...),
		// Same key-to-partition mapping as the Java client and franz-go.
		Balancer:               kafka.Murmur2Balancer{},
		RequiredAcks:           acks,
		BatchSize:              1,
		WriteTimeout:           cfg.DeliveryTimeout,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
		Transport:              transport,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Debug().Msgf(msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn().Msgf(msg, args...)
		}),
	}
}

// Publish writes rec and waits for the acknowledgment. kafka-go does not report
// the assigned partition or offset, so both are -1 in the Acknowledgment.
func (p *KafkaGoPublisher) Publish(ctx context.Context, rec types.OutboundRecord) (types.Acknowledgment, error) {
	p.mu.Lock()
	w := p.writer
	p.mu.Unlock()
	if w == nil {
		return types.Acknowledgment{}, errors.Join(types.ErrConnectionLost, fmt.Errorf("publisher closed"))
	}

	topic := rec.Topic
	if topic == "" {
		topic = p.topic
	}
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: kafkaGoHeaders(rec.Headers),
		Time:    time.Now().UTC(),
	}

	if err := w.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return types.Acknowledgment{}, ctx.Err()
		}
		return types.Acknowledgment{}, classifyKafkaGoError(err)
	}

	return types.Acknowledgment{
		Topic:     topic,
		Partition: -1,
		Offset:    -1,
		Timestamp: msg.Time,
	}, nil
}

// Close flushes and closes the writer, giving up when ctx is done.
func (p *KafkaGoPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}

	// Writer.Close blocks until pending writes finish, so bound it by ctx.
	closed := make(chan error, 1)
	go func() {
		closed <- w.Close()
	}()
	select {
	case err := <-closed:
		if err != nil {
			p.logger.Warn().Err(err).Msg("Kafka writer did not close cleanly.")
		}
	case <-ctx.Done():
		p.logger.Warn().Err(ctx.Err()).Msg("Timed out closing Kafka writer.")
	}
	p.logger.Info().Msg("Kafka publisher closed.")
	return nil
}

func kafkaGoHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		out = append(out, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return out
}

// classifyKafkaGoError maps a write error onto the publisher error kinds.
func classifyKafkaGoError(err error) error {
	cause := err
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				cause = e
				break
			}
		}
	}

	var tooLarge kafka.MessageTooLargeError
	switch {
	case errors.As(cause, &tooLarge),
		errors.Is(cause, kafka.TopicAuthorizationFailed),
		errors.Is(cause, kafka.ClusterAuthorizationFailed),
		errors.Is(cause, kafka.SASLAuthenticationFailed),
		errors.Is(cause, kafka.InvalidTopic),
		errors.Is(cause, kafka.MessageSizeTooLarge):
		return errors.Join(types.ErrPublishRejected, err)
	case errors.Is(cause, io.EOF),
		errors.Is(cause, io.ErrUnexpectedEOF),
		errors.Is(cause, net.ErrClosed):
		return errors.Join(types.ErrConnectionLost, err)
	}
	// kafka.Error also satisfies net.Error; broker error codes are publish failures.
	var brokerErr kafka.Error
	if errors.As(cause, &brokerErr) {
		return errors.Join(types.ErrPublishFailure, err)
	}
	var netErr net.Error
	if errors.As(cause, &netErr) && !netErr.Timeout() {
		return errors.Join(types.ErrConnectionLost, err)
	}
	return errors.Join(types.ErrPublishFailure, err)
}
