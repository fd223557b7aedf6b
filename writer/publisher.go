// Package writer hands canonical messages to downstream brokers.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"cryptocrawler/logger"
	"cryptocrawler/models"
)

// Publisher delivers one message. Delivery is best effort: the caller logs
// a returned error and moves on; nothing is retried or buffered here.
type Publisher interface {
	Publish(ctx context.Context, msg models.CanonicalMessage) error
	Close() error
}

// PublishError carries the sink that rejected a message.
type PublishError struct {
	Sink string
	Err  error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish to %s: %v", e.Sink, e.Err) }

func (e *PublishError) Unwrap() error { return e.Err }

type namedPublisher struct {
	name string
	pub  Publisher
}

// MultiWriter fans a message out to every sink in order. A failing sink
// does not stop the remaining ones.
type MultiWriter struct {
	sinks []namedPublisher
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{}
}

// Add registers pub under name, e.g. "kafka".
func (m *MultiWriter) Add(name string, pub Publisher) {
	m.sinks = append(m.sinks, namedPublisher{name: name, pub: pub})
}

func (m *MultiWriter) Len() int { return len(m.sinks) }

func (m *MultiWriter) Publish(ctx context.Context, msg models.CanonicalMessage) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.pub.Publish(ctx, msg); err != nil {
			errs = append(errs, &PublishError{Sink: s.name, Err: err})
			continue
		}
		logger.RecordFlow("publish_"+s.name, len(msg.Payload))
	}
	return errors.Join(errs...)
}

func (m *MultiWriter) Close() error {
	var errs []error
	for i := len(m.sinks) - 1; i >= 0; i-- {
		if err := m.sinks[i].pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.sinks[i].name, err))
		}
	}
	return errors.Join(errs...)
}

// LogWriter logs each message instead of publishing it.
type LogWriter struct {
	log      *logger.Entry
	messages atomic.Int64
}

func NewLogWriter() *LogWriter {
	return &LogWriter{log: logger.GetLogger().WithComponent("log_writer")}
}

func (w *LogWriter) Publish(_ context.Context, msg models.CanonicalMessage) error {
	w.messages.Add(1)
	w.log.WithFields(logger.Fields{
		"id":            msg.ID,
		"exchange":      msg.Exchange,
		"symbol":        msg.Symbol,
		"kind":          msg.Kind.String(),
		"source_url":    msg.SourceURL,
		"payload_bytes": len(msg.Payload),
	}).Info("message")
	return nil
}

func (w *LogWriter) Messages() int64 { return w.messages.Load() }

func (w *LogWriter) Close() error { return nil }
