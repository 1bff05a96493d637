package subscriber

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
)

// MQTTConfig holds the settings for the MQTT subscriber.
type MQTTConfig struct {
	// BrokerURL is the full URL of the MQTT broker, e.g. "tls://mqtt.example.com:8883".
	BrokerURL string `mapstructure:"broker_url"`
	// Topic is the subscription filter.
	Topic string `mapstructure:"topic"`
	// QoS is the subscription quality of service (0, 1 or 2).
	QoS byte `mapstructure:"qos"`
	// ClientIDPrefix gets a unique suffix per connection, as brokers require distinct client IDs.
	ClientIDPrefix string `mapstructure:"client_id_prefix"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	// KeepAlive is the interval at which the client pings the broker.
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// ConnectTimeout bounds both the connect and the subscribe handshakes.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// IdleTimeout fails Receive with types.ErrTimeout when no message arrives in time.
	// Zero disables the bound.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// CACertFile is an optional CA bundle for verifying the broker.
	CACertFile string `mapstructure:"ca_cert_file"`
	// ClientCertFile and ClientKeyFile enable mTLS when both are set.
	ClientCertFile string `mapstructure:"client_cert_file"`
	ClientKeyFile  string `mapstructure:"client_key_file"`
	// InsecureSkipVerify skips TLS certificate verification. Not for production.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// NewMQTTDefaults provides a config with sensible defaults.
func NewMQTTDefaults() MQTTConfig {
	return MQTTConfig{
		QoS:            1,
		ClientIDPrefix: "wsbridge-",
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// MQTTSubscriber receives messages from one MQTT subscription.
// Paho's own reconnect logic is off: a lost connection ends the subscriber.
type MQTTSubscriber struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger zerolog.Logger

	// frames is unbuffered so at most one message is held outside the broker.
	frames chan []byte
	lost   chan error
	done   chan struct{}

	mu     sync.Mutex
	seq    uint64
	failed error

	closeOnce sync.Once
}

func newMQTTSubscriber(cfg MQTTConfig, logger zerolog.Logger) *MQTTSubscriber {
	return &MQTTSubscriber{
		cfg:    cfg,
		logger: logger.With().Str("component", "MQTTSubscriber").Str("broker", cfg.BrokerURL).Str("topic", cfg.Topic).Logger(),
		frames: make(chan []byte),
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Validate reports every problem with the config at once.
func (c MQTTConfig) Validate() error {
	var errs []error
	if c.BrokerURL == "" {
		errs = append(errs, errors.New("MQTT broker URL is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("MQTT topic is required"))
	}
	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT QoS %d is invalid", c.QoS))
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		errs = append(errs, errors.New("MQTT client cert and key files must be set together"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{types.ErrConfig}, errs...)...)
}

// NewMQTTSubscriber connects the given client and subscribes to cfg.Topic.
// DialMQTT is the usual entry point; this form accepts any mqtt.Client.
func NewMQTTSubscriber(ctx context.Context, client mqtt.Client, cfg MQTTConfig, logger zerolog.Logger) (*MQTTSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newMQTTSubscriber(cfg, logger)
	if err := s.connect(ctx, client); err != nil {
		return nil, err
	}
	return s, nil
}

// DialMQTT builds a Paho client from cfg, connects, and subscribes.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger zerolog.Logger) (*MQTTSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := newMQTTSubscriber(cfg, logger)
	opts, err := s.createMqttOptions()
	if err != nil {
		return nil, err
	}
	if err := s.connect(ctx, mqtt.NewClient(opts)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MQTTSubscriber) connect(ctx context.Context, client mqtt.Client) error {
	s.client = client

	s.logger.Info().Msg("Attempting to connect to MQTT broker...")
	if err := waitToken(ctx, client.Connect(), s.cfg.ConnectTimeout); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Join(types.ErrConnectFailure, fmt.Errorf("connect to %s", s.cfg.BrokerURL), err)
	}

	if err := waitToken(ctx, client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleIncomingMessage), s.cfg.ConnectTimeout); err != nil {
		client.Disconnect(250)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Join(types.ErrConnectFailure, fmt.Errorf("subscribe to %s", s.cfg.Topic), err)
	}

	s.logger.Info().Msg("MQTT subscription established")
	return nil
}

// waitToken waits for a Paho token, honouring ctx and an optional timeout.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-expired:
		return fmt.Errorf("no response within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until the next message arrives.
func (s *MQTTSubscriber) Receive(ctx context.Context) (types.InboundMessage, error) {
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	if failed != nil {
		return types.InboundMessage{}, failed
	}

	var idle <-chan time.Time
	if s.cfg.IdleTimeout > 0 {
		timer := time.NewTimer(s.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case payload := <-s.frames:
		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()
		return types.InboundMessage{Seq: seq, Payload: payload, ReceivedAt: time.Now().UTC()}, nil
	case err := <-s.lost:
		return types.InboundMessage{}, s.fail(errors.Join(types.ErrConnectionLost, err))
	case <-idle:
		return types.InboundMessage{}, s.fail(errors.Join(types.ErrTimeout, fmt.Errorf("no message within %s", s.cfg.IdleTimeout)))
	case <-s.done:
		return types.InboundMessage{}, s.fail(errors.Join(types.ErrConnectionLost, fmt.Errorf("subscriber closed")))
	case <-ctx.Done():
		return types.InboundMessage{}, ctx.Err()
	}
}

func (s *MQTTSubscriber) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = err
		s.logger.Warn().Err(err).Str("error_kind", types.Kind(err)).Uint64("last_seq", s.seq).Msg("MQTT subscription ended.")
	}
	return s.failed
}

// ConnectionLostHandler returns the callback Paho invokes when the connection drops.
// DialMQTT registers it; it is exported for clients built elsewhere.
func (s *MQTTSubscriber) ConnectionLostHandler() mqtt.ConnectionLostHandler {
	return s.handleConnectionLost
}

func (s *MQTTSubscriber) handleConnectionLost(_ mqtt.Client, err error) {
	if err == nil {
		err = errors.New("connection lost")
	}
	select {
	case s.lost <- err:
	default:
	}
}

// handleIncomingMessage blocks Paho's router until Receive takes the payload,
// which keeps delivery in order and holds no more than one message.
func (s *MQTTSubscriber) handleIncomingMessage(_ mqtt.Client, msg mqtt.Message) {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	select {
	case s.frames <- payloadCopy:
	case <-s.done:
		s.logger.Warn().Str("mqtt_topic", msg.Topic()).Msg("Subscriber is closed, dropping MQTT message.")
	}
}

// Close unsubscribes and disconnects. Safe to call more than once.
func (s *MQTTSubscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.failed == nil {
			s.failed = errors.Join(types.ErrConnectionLost, fmt.Errorf("subscriber closed"))
		}
		s.mu.Unlock()

		if s.client != nil && s.client.IsConnected() {
			if token := s.client.Unsubscribe(s.cfg.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topic.")
			}
			s.client.Disconnect(250)
		}
		s.logger.Info().Msg("MQTT subscriber closed.")
	})
	return nil
}

// createMqttOptions assembles the Paho client options from the config.
func (s *MQTTSubscriber) createMqttOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.cfg.ClientIDPrefix + uuid.NewString())
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(s.handleConnectionLost)

	url := strings.ToLower(s.cfg.BrokerURL)
	if strings.HasPrefix(url, "tls://") || strings.HasPrefix(url, "ssl://") || strings.HasPrefix(url, "mqtts://") {
		tlsConfig, err := newTLSConfig(s.cfg)
		if err != nil {
			return nil, errors.Join(types.ErrConfig, err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
