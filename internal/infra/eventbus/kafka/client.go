// Package kafka publishes analytics domain events to Kafka.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// Config contains settings for connecting to Kafka and routing events.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// Topic receives every analytics event.
	Topic string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// ConnectTimeout bounds the total time spent retrying the initial connection.
	ConnectTimeout time.Duration
}

// NewProducerConfig returns the sarama settings used by the publisher.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 3
	config.Producer.Idempotent = false

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0
	return config
}

// ConnectWithRetry creates a SyncProducer with exponential backoff, starting
// at 2 second intervals and giving up after cfg.ConnectTimeout (5 minutes by
// default). This rides out brokers that start after the service.
func ConnectWithRetry(ctx context.Context, cfg Config, log *logger.Logger) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = 5 * time.Minute
	if cfg.ConnectTimeout > 0 {
		expBackoff.MaxElapsedTime = cfg.ConnectTimeout
	}

	var producer sarama.SyncProducer
	operation := func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn(ctx, "kafka not reachable, retrying", "brokers", cfg.Brokers, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return producer, nil
}
