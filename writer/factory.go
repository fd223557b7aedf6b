package writer

import (
	"context"
	"errors"
	"fmt"

	appconfig "cryptocrawler/config"
)

// FromConfig builds a MultiWriter with every enabled sink. Sinks opened
// before a failure are closed again.
func FromConfig(ctx context.Context, cfg appconfig.PublisherConfig) (*MultiWriter, error) {
	m := NewMultiWriter()
	fail := func(err error) (*MultiWriter, error) {
		return nil, errors.Join(err, m.Close())
	}

	if cfg.Kafka.Enabled {
		kw, err := NewKafkaWriter(cfg.Kafka)
		if err != nil {
			return fail(fmt.Errorf("kafka writer: %w", err))
		}
		m.Add("kafka", kw)
	}
	if cfg.Redis.Enabled {
		rw, err := NewRedisStreamWriter(cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("redis writer: %w", err))
		}
		m.Add("redis", rw)
	}
	if cfg.S3.Enabled {
		sw, err := NewS3Writer(ctx, cfg.S3)
		if err != nil {
			return fail(fmt.Errorf("s3 writer: %w", err))
		}
		m.Add("s3", sw)
	}
	if cfg.Log.Enabled {
		m.Add("log", NewLogWriter())
	}

	if m.Len() == 0 {
		return nil, fmt.Errorf("no publisher enabled")
	}
	return m, nil
}
