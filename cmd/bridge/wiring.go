package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-wsbridge/pkg/config"
	"github.com/illmade-knight/go-wsbridge/pkg/publisher"
	"github.com/illmade-knight/go-wsbridge/pkg/subscriber"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
	"github.com/rs/zerolog"
)

// subscriberOpener returns the Opener for the configured source driver.
func subscriberOpener(cfg *config.Config, logger zerolog.Logger) (subscriber.Opener, error) {
	switch cfg.Source.Driver {
	case config.SourceWebSocket:
		wsCfg := cfg.Source.WebSockets
		return func(ctx context.Context) (subscriber.Subscriber, error) {
			h, err := subscriber.DialWebSocket(ctx, wsCfg, logger)
			if err != nil {
				return nil, err
			}
			return h, nil
		}, nil
	case config.SourceMQTT:
		mqttCfg := cfg.Source.MQTT
		return func(ctx context.Context) (subscriber.Subscriber, error) {
			h, err := subscriber.DialMQTT(ctx, mqttCfg, logger)
			if err != nil {
				return nil, err
			}
			return h, nil
		}, nil
	default:
		return nil, errors.Join(types.ErrConfig, fmt.Errorf("unknown source driver %q", cfg.Source.Driver))
	}
}

// publisherOpener returns the Opener for the configured destination driver.
func publisherOpener(cfg *config.Config, logger zerolog.Logger) (publisher.Opener, error) {
	switch cfg.Destination.Driver {
	case config.DestinationKafka:
		kafkaCfg := cfg.Destination.Kafka
		return func(ctx context.Context) (publisher.Publisher, error) {
			h, err := publisher.OpenKafka(ctx, kafkaCfg, logger)
			if err != nil {
				return nil, err
			}
			return h, nil
		}, nil
	case config.DestinationKafkaGo:
		kafkaCfg := cfg.Destination.Kafka
		return func(ctx context.Context) (publisher.Publisher, error) {
			h, err := publisher.OpenKafkaGo(ctx, kafkaCfg, logger)
			if err != nil {
				return nil, err
			}
			return h, nil
		}, nil
	case config.DestinationPubSub:
		psCfg := cfg.Destination.PubSub
		return func(ctx context.Context) (publisher.Publisher, error) {
			h, err := publisher.OpenPubSub(ctx, psCfg, logger)
			if err != nil {
				return nil, err
			}
			return h, nil
		}, nil
	default:
		return nil, errors.Join(types.ErrConfig, fmt.Errorf("unknown destination driver %q", cfg.Destination.Driver))
	}
}
