package engine

import (
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/broker"
	memorybroker "github.com/conveyorhq/conveyor/broker/memory"
	redisbroker "github.com/conveyorhq/conveyor/broker/redis"
	"github.com/conveyorhq/conveyor/flow"
)

// Backends is one coherent set of infrastructure implementations,
// selected once at engine construction.
type Backends struct {
	Publisher  broker.Publisher
	Subscriber broker.Subscriber

	// Redis is non-nil only for the durable backend; the engine owns
	// and closes it.
	Redis goredis.UniversalClient
}

// NewBroker selects the broker backend from the config: Redis Streams
// when RedisAddr is set, in-memory otherwise.
func NewBroker(cfg conveyor.Config, logger *slog.Logger, flowMgr *flow.Manager) *Backends {
	if cfg.RedisAddr == "" {
		b := memorybroker.New(memorybroker.WithLogger(logger))
		return &Backends{Publisher: b, Subscriber: b}
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	opts := []redisbroker.Option{
		redisbroker.WithLogger(logger),
		redisbroker.WithGroup(cfg.SubscriberGroup),
		redisbroker.WithMaxOutstanding(cfg.MaxOutstanding),
		redisbroker.WithAckDeadline(cfg.AckDeadline),
		redisbroker.WithRetention(cfg.MessageRetention),
		redisbroker.WithOrdering(cfg.OrderingEnabled),
	}
	if flowMgr != nil {
		opts = append(opts, redisbroker.WithFlowManager(flowMgr))
	}
	b := redisbroker.New(rdb, cfg.Topic, opts...)
	return &Backends{Publisher: b, Subscriber: b, Redis: rdb}
}
