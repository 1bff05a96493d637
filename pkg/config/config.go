// Package config loads the bridge settings from a TOML file and BRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/illmade-knight/go-wsbridge/pkg/bridge"
	"github.com/illmade-knight/go-wsbridge/pkg/publisher"
	"github.com/illmade-knight/go-wsbridge/pkg/record"
	"github.com/illmade-knight/go-wsbridge/pkg/subscriber"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BRIDGE_SOURCE_WEBSOCKETS_URL.
const EnvPrefix = "BRIDGE"

const (
	SourceWebSocket = "websocket"
	SourceMQTT      = "mqtt"

	DestinationKafka   = "kafka"
	DestinationKafkaGo = "kafka-go"
	DestinationPubSub  = "pubsub"
)

// Config is the full bridge configuration.
type Config struct {
	Source      SourceConfig         `mapstructure:"source"`
	Destination DestinationConfig    `mapstructure:"destination"`
	Retry       bridge.BackoffConfig `mapstructure:"retry"`
	Bridge      BridgeConfig         `mapstructure:"bridge"`
	Log         LogConfig            `mapstructure:"log"`
	HTTP        HTTPConfig           `mapstructure:"http"`
}

type SourceConfig struct {
	Driver     string                     `mapstructure:"driver"`
	WebSockets subscriber.WebSocketConfig `mapstructure:"websockets"`
	MQTT       subscriber.MQTTConfig      `mapstructure:"mqtt"`
}

type DestinationConfig struct {
	Driver   string                 `mapstructure:"driver"`
	KeyField string                 `mapstructure:"key_field"`
	Kafka    publisher.KafkaConfig  `mapstructure:"kafka"`
	PubSub   publisher.PubSubConfig `mapstructure:"pubsub"`
}

type BridgeConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	// Addr is the status server listen address; empty disables it.
	Addr string `mapstructure:"addr"`
}

// setDefaults registers a default for every key, which also makes each key
// reachable through its environment variable.
func setDefaults(v *viper.Viper) {
	ws := subscriber.NewWebSocketDefaults("")
	v.SetDefault("source.driver", SourceWebSocket)
	v.SetDefault("source.websockets.url", ws.URL)
	v.SetDefault("source.websockets.connect_timeout", ws.ConnectTimeout)
	v.SetDefault("source.websockets.idle_timeout", ws.IdleTimeout)
	v.SetDefault("source.websockets.read_limit", ws.ReadLimit)
	v.SetDefault("source.websockets.headers", map[string]string{})

	mq := subscriber.NewMQTTDefaults()
	v.SetDefault("source.mqtt.broker_url", mq.BrokerURL)
	v.SetDefault("source.mqtt.topic", mq.Topic)
	v.SetDefault("source.mqtt.qos", mq.QoS)
	v.SetDefault("source.mqtt.client_id_prefix", mq.ClientIDPrefix)
	v.SetDefault("source.mqtt.username", mq.Username)
	v.SetDefault("source.mqtt.password", mq.Password)
	v.SetDefault("source.mqtt.keep_alive", mq.KeepAlive)
	v.SetDefault("source.mqtt.connect_timeout", mq.ConnectTimeout)
	v.SetDefault("source.mqtt.idle_timeout", mq.IdleTimeout)
	v.SetDefault("source.mqtt.ca_cert_file", mq.CACertFile)
	v.SetDefault("source.mqtt.client_cert_file", mq.ClientCertFile)
	v.SetDefault("source.mqtt.client_key_file", mq.ClientKeyFile)
	v.SetDefault("source.mqtt.insecure_skip_verify", mq.InsecureSkipVerify)

	kf := publisher.NewKafkaDefaults()
	v.SetDefault("destination.driver", DestinationKafka)
	v.SetDefault("destination.key_field", record.DefaultKeyField)
	v.SetDefault("destination.kafka.bootstrap_servers", kf.BootstrapServers)
	v.SetDefault("destination.kafka.topic_name", kf.TopicName)
	v.SetDefault("destination.kafka.client_id", kf.ClientID)
	v.SetDefault("destination.kafka.acks", string(kf.Acks))
	v.SetDefault("destination.kafka.dial_timeout", kf.DialTimeout)
	v.SetDefault("destination.kafka.delivery_timeout", kf.DeliveryTimeout)
	v.SetDefault("destination.kafka.allow_auto_topic_creation", kf.AllowAutoTopicCreation)
	v.SetDefault("destination.kafka.sasl_username", kf.SASLUsername)
	v.SetDefault("destination.kafka.sasl_password", kf.SASLPassword)
	v.SetDefault("destination.kafka.tls", kf.TLS)

	ps := publisher.NewPubSubDefaults()
	v.SetDefault("destination.pubsub.project_id", ps.ProjectID)
	v.SetDefault("destination.pubsub.topic_id", ps.TopicID)
	v.SetDefault("destination.pubsub.publish_timeout", ps.PublishTimeout)
	v.SetDefault("destination.pubsub.topic_exists_timeout", ps.TopicExistsTimeout)

	sup := bridge.NewSupervisorDefaults()
	v.SetDefault("retry.initial_interval", sup.Backoff.InitialInterval)
	v.SetDefault("retry.max_interval", sup.Backoff.MaxInterval)
	v.SetDefault("retry.multiplier", sup.Backoff.Multiplier)
	v.SetDefault("bridge.shutdown_timeout", sup.ShutdownTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.addr", "")
}

// Load reads the file at path (TOML unless the extension says otherwise),
// applies BRIDGE_* environment overrides, and validates the result.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Join(types.ErrConfig, fmt.Errorf("failed to read config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Join(types.ErrConfig, fmt.Errorf("failed to decode config"), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem with the config at once, wrapped in types.ErrConfig.
func (c *Config) Validate() error {
	var errs []error

	switch c.Source.Driver {
	case SourceWebSocket:
		errs = appendErr(errs, "source.websockets", c.Source.WebSockets.Validate())
	case SourceMQTT:
		errs = appendErr(errs, "source.mqtt", c.Source.MQTT.Validate())
	default:
		errs = append(errs, fmt.Errorf("source.driver %q must be %q or %q", c.Source.Driver, SourceWebSocket, SourceMQTT))
	}

	switch c.Destination.Driver {
	case DestinationKafka, DestinationKafkaGo:
		errs = appendErr(errs, "destination.kafka", c.Destination.Kafka.Validate())
	case DestinationPubSub:
		errs = appendErr(errs, "destination.pubsub", c.Destination.PubSub.Validate())
	default:
		errs = append(errs, fmt.Errorf("destination.driver %q must be %q, %q or %q",
			c.Destination.Driver, DestinationKafka, DestinationKafkaGo, DestinationPubSub))
	}
	if strings.TrimSpace(c.Destination.KeyField) == "" {
		errs = append(errs, errors.New("destination.key_field cannot be empty"))
	}

	errs = appendErr(errs, "retry", c.Retry.Validate())
	if c.Bridge.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("bridge.shutdown_timeout must be positive, got %s", c.Bridge.ShutdownTimeout))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level %q is invalid", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{types.ErrConfig}, errs...)...)
}

// appendErr prefixes a section validation error with its key path.
func appendErr(errs []error, section string, err error) []error {
	if err == nil {
		return errs
	}
	return append(errs, fmt.Errorf("%s: %w", section, err))
}

// DestinationTopic is the topic records are written to for the configured driver.
func (c *Config) DestinationTopic() string {
	if c.Destination.Driver == DestinationPubSub {
		return c.Destination.PubSub.TopicID
	}
	return c.Destination.Kafka.TopicName
}

// SupervisorConfig assembles the retry supervisor settings.
func (c *Config) SupervisorConfig() bridge.SupervisorConfig {
	return bridge.SupervisorConfig{
		Backoff:         c.Retry,
		ShutdownTimeout: c.Bridge.ShutdownTimeout,
	}
}
