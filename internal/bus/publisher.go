package bus

import (
	"github.com/redis/go-redis/v9"

	"bidwatch/internal/logger"
)

// Options selects the sinks New wires. Redis pub/sub is always on; Kafka is
// added when at least one broker is set.
type Options struct {
	Channel      string
	KafkaBrokers []string
	KafkaTopic   string
}

// New returns the publisher both services use and a close func for the
// sinks that hold connections of their own.
func New(rdb *redis.Client, opts Options, log logger.Logger) (Publisher, func()) {
	redisPub := NewRedisPublisher(rdb, opts.Channel)
	if len(opts.KafkaBrokers) == 0 {
		return redisPub, func() {}
	}

	kp := NewKafkaPublisher(NewKafkaWriter(opts.KafkaBrokers, opts.KafkaTopic))
	log.Info("Kafka publisher enabled",
		logger.Strings("brokers", opts.KafkaBrokers),
		logger.String("topic", opts.KafkaTopic),
	)
	return Multi{redisPub, kp}, func() {
		if err := kp.Close(); err != nil {
			log.Warn("Kafka writer close failed", logger.Error(err))
		}
	}
}
