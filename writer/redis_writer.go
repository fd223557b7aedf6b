package writer

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	appconfig "cryptocrawler/config"
	"cryptocrawler/logger"
	"cryptocrawler/models"
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisStreamWriter appends each message to a capped Redis stream.
type RedisStreamWriter struct {
	client streamAdder
	stream string
	maxLen int64
	log    *logger.Entry

	written atomic.Int64
}

func NewRedisStreamWriter(cfg appconfig.RedisConfig) (*RedisStreamWriter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	w := newRedisStreamWriter(client, cfg.Stream, cfg.MaxLen)
	w.log.WithFields(logger.Fields{"addr": cfg.Addr, "stream": cfg.Stream}).Info("redis stream writer initialized")
	return w, nil
}

func newRedisStreamWriter(client streamAdder, stream string, maxLen int64) *RedisStreamWriter {
	return &RedisStreamWriter{
		client: client,
		stream: stream,
		maxLen: maxLen,
		log:    logger.GetLogger().WithComponent("redis_writer"),
	}
}

func (w *RedisStreamWriter) Publish(ctx context.Context, msg models.CanonicalMessage) error {
	args := &redis.XAddArgs{
		Stream: w.stream,
		Values: map[string]interface{}{
			"id":         msg.ID,
			"source_url": msg.SourceURL,
			"exchange":   msg.Exchange,
			"symbol":     msg.Symbol,
			"kind":       msg.Kind.String(),
			"fetched_at": strconv.FormatInt(msg.FetchedAt.UnixMilli(), 10),
			"payload":    msg.Payload,
		},
	}
	if w.maxLen > 0 {
		args.MaxLen = w.maxLen
		args.Approx = true
	}
	entryID, err := w.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", w.stream, err)
	}
	w.written.Add(1)
	w.log.WithFields(logger.Fields{"id": msg.ID, "entry": entryID}).Debug("message appended to stream")
	return nil
}

func (w *RedisStreamWriter) Written() int64 { return w.written.Load() }

func (w *RedisStreamWriter) Close() error {
	return w.client.Close()
}
