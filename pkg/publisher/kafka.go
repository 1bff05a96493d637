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
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Acks is the broker acknowledgment requirement.
type Acks string

const (
	// AcksLeader requires only the partition leader to acknowledge.
	AcksLeader Acks = "leader"
	// AcksAll requires all in-sync replicas to acknowledge.
	AcksAll Acks = "all"
)

// KafkaConfig holds the settings shared by both Kafka drivers.
type KafkaConfig struct {
	BootstrapServers []string `mapstructure:"bootstrap_servers"`
	TopicName        string   `mapstructure:"topic_name"`
	ClientID         string   `mapstructure:"client_id"`
	Acks             Acks     `mapstructure:"acks"`
	// DialTimeout bounds each broker connection attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// DeliveryTimeout bounds how long one record may wait for its acknowledgment.
	DeliveryTimeout        time.Duration `mapstructure:"delivery_timeout"`
	AllowAutoTopicCreation bool          `mapstructure:"allow_auto_topic_creation"`
	// SASLUsername and SASLPassword enable SASL/PLAIN when the username is set.
	SASLUsername string `mapstructure:"sasl_username"`
	SASLPassword string `mapstructure:"sasl_password"`
	TLS          bool   `mapstructure:"tls"`
}

// NewKafkaDefaults provides a config with sensible defaults.
func NewKafkaDefaults() KafkaConfig {
	return KafkaConfig{
		BootstrapServers: []string{"localhost:9092"},
		ClientID:         "wsbridge",
		Acks:             AcksLeader,
		DialTimeout:      10 * time.Second,
		DeliveryTimeout:  30 * time.Second,
	}
}

// Validate reports every problem with the config at once.
func (c KafkaConfig) Validate() error {
	var errs []error
	if len(c.BootstrapServers) == 0 {
		errs = append(errs, errors.New("at least one bootstrap server is required"))
	}
	for _, s := range c.BootstrapServers {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("bootstrap server address cannot be empty"))
			break
		}
	}
	if c.TopicName == "" {
		errs = append(errs, errors.New("topic name is required"))
	}
	switch c.Acks {
	case "", AcksLeader, AcksAll:
	default:
		errs = append(errs, fmt.Errorf("acks '%s' is invalid: must be 'leader' or 'all'", c.Acks))
	}
	if c.SASLPassword != "" && c.SASLUsername == "" {
		errs = append(errs, errors.New("sasl password set without a username"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{types.ErrConfig}, errs...)...)
}

// kafkaClient is the subset of *kgo.Client the publisher uses, so tests can
// substitute a mock.
type kafkaClient interface {
	Ping(ctx context.Context) error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

var _ kafkaClient = (*kgo.Client)(nil)

// KafkaPublisher publishes records with the franz-go client.
type KafkaPublisher struct {
	topic  string
	logger zerolog.Logger

	mu     sync.Mutex
	client kafkaClient
}

// OpenKafka creates a franz-go client for cfg and pings the cluster.
func OpenKafka(ctx context.Context, cfg KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(kgoOpts(cfg, logger)...)
	if err != nil {
		return nil, errors.Join(types.ErrConfig, fmt.Errorf("create kafka client"), err)
	}
	return newKafkaPublisher(ctx, client, cfg, logger)
}

func newKafkaPublisher(ctx context.Context, client kafkaClient, cfg KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	p := &KafkaPublisher{
		topic:  cfg.TopicName,
		client: client,
		logger: logger.With().Str("component", "KafkaPublisher").Str("topic", cfg.TopicName).Logger(),
	}

	pingCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(types.ErrConnectFailure,
			fmt.Errorf("no broker reachable at %s", strings.Join(cfg.BootstrapServers, ",")), err)
	}

	p.logger.Info().Strs("brokers", cfg.BootstrapServers).Msg("Kafka publisher connected")
	return p, nil
}

func kgoOpts(cfg KafkaConfig, logger zerolog.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.DefaultProduceTopic(cfg.TopicName),
		kgo.WithLogger(newKgoLogger(logger)),
		// One record in flight at a time; no linger.
		kgo.ProducerLinger(0),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.DialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(cfg.DialTimeout))
	}
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}
	if cfg.AllowAutoTopicCreation {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}
	if cfg.SASLUsername != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: cfg.SASLUsername, Pass: cfg.SASLPassword}.AsMechanism()))
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	switch cfg.Acks {
	case AcksAll:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	default:
		// Idempotent writes require all-ISR acks.
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}
	return opts
}

// Publish sends rec and waits for the acknowledgment.
func (p *KafkaPublisher) Publish(ctx context.Context, rec types.OutboundRecord) (types.Acknowledgment, error) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return types.Acknowledgment{}, errors.Join(types.ErrConnectionLost, fmt.Errorf("publisher closed"))
	}

	topic := rec.Topic
	if topic == "" {
		topic = p.topic
	}
	r := &kgo.Record{
		Topic:   topic,
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: kgoHeaders(rec.Headers),
	}

	produced, err := client.ProduceSync(ctx, r).First()
	if err != nil {
		if ctx.Err() != nil {
			return types.Acknowledgment{}, ctx.Err()
		}
		return types.Acknowledgment{}, classifyKafkaError(err)
	}

	return types.Acknowledgment{
		Topic:     produced.Topic,
		Partition: produced.Partition,
		Offset:    produced.Offset,
		Timestamp: produced.Timestamp,
	}, nil
}

// Close flushes buffered records and closes the client. Safe to call more than once.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Flush incomplete during shutdown.")
	}
	p.client.Close()
	p.client = nil
	p.logger.Info().Msg("Kafka publisher closed.")
	return nil
}

// kgoHeaders converts headers to Kafka record headers in key order.
func kgoHeaders(headers map[string]string) []kgo.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kgo.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
	}
	return out
}

// classifyKafkaError maps a produce error onto the publisher error kinds.
func classifyKafkaError(err error) error {
	switch {
	case errors.Is(err, kerr.TopicAuthorizationFailed),
		errors.Is(err, kerr.ClusterAuthorizationFailed),
		errors.Is(err, kerr.SaslAuthenticationFailed),
		errors.Is(err, kerr.InvalidTopicException),
		errors.Is(err, kerr.MessageTooLarge),
		errors.Is(err, kerr.RecordListTooLarge),
		errors.Is(err, kerr.InvalidRecord):
		return errors.Join(types.ErrPublishRejected, err)
	case errors.Is(err, kgo.ErrClientClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return errors.Join(types.ErrConnectionLost, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return errors.Join(types.ErrConnectionLost, err)
	}
	return errors.Join(types.ErrPublishFailure, err)
}

// kgoLogger forwards franz-go client logs to zerolog.
type kgoLogger struct {
	logger zerolog.Logger
}

func newKgoLogger(logger zerolog.Logger) *kgoLogger {
	return &kgoLogger{logger: logger.With().Str("component", "franz-go").Logger()}
}

func (l *kgoLogger) Level() kgo.LogLevel {
	level := l.logger.GetLevel()
	if global := zerolog.GlobalLevel(); global > level {
		level = global
	}
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return kgo.LogLevelDebug
	case zerolog.InfoLevel:
		return kgo.LogLevelInfo
	case zerolog.WarnLevel:
		return kgo.LogLevelWarn
	case zerolog.Disabled:
		return kgo.LogLevelNone
	default:
		return kgo.LogLevelError
	}
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var ev *zerolog.Event
	switch level {
	case kgo.LogLevelError:
		ev = l.logger.Error()
	case kgo.LogLevelWarn:
		ev = l.logger.Warn()
	case kgo.LogLevelInfo:
		ev = l.logger.Info()
	case kgo.LogLevelDebug:
		ev = l.logger.Debug()
	default:
		return
	}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}
