package queue

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
)

// Broker is a Queue whose consumers can be drained and shut down.
type Broker interface {
	Queue
	Wait()
	Close() error
}

// Open returns the broker selected by cfg.Driver.
func Open(cfg config.Queue, log *zap.Logger) (Broker, error) {
	switch cfg.Driver {
	case config.QueueDriverMemory:
		log.Info("📦 Using in-memory queue")
		return NewInMemoryQueue(cfg.MaxRetries, log), nil
	case config.QueueDriverAMQP:
		q, err := DialAMQP(cfg.AMQPURL, cfg.MaxRetries, log)
		if err != nil {
			return nil, err
		}
		log.Info("🐇 Connected to RabbitMQ")
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}
