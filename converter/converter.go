// Package converter turns a fetched body into the broker-facing message.
package converter

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cryptocrawler/internal/symbols"
	"cryptocrawler/logger"
	"cryptocrawler/models"
)

// ErrUnknownSource is returned for a URL that is not in the registry.
var ErrUnknownSource = errors.New("unknown source url")

// Converter resolves the endpoint behind a source URL and wraps the body.
// It holds no mutable state and is safe for concurrent use.
type Converter struct {
	byURL map[string]models.Endpoint
	now   func() time.Time
	newID func() string
}

type Option func(*Converter)

// WithClock overrides the FetchedAt clock.
func WithClock(now func() time.Time) Option {
	return func(c *Converter) { c.now = now }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Converter) { c.newID = gen }
}

func New(endpoints []models.Endpoint, opts ...Option) *Converter {
	c := &Converter{
		byURL: make(map[string]models.Endpoint, len(endpoints)),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
	for _, ep := range endpoints {
		// A URL listed twice is polled twice; its messages carry the
		// first entry's exchange and symbol.
		if first, ok := c.byURL[ep.URL]; ok {
			logger.GetLogger().WithComponent("converter").WithFields(logger.Fields{
				"url":      ep.URL,
				"endpoint": ep.String(),
				"kept":     first.String(),
			}).Warn("duplicate source url")
			continue
		}
		c.byURL[ep.URL] = ep
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert builds the canonical message for rawBody fetched from sourceURL.
// The body is carried unchanged as the payload.
func (c *Converter) Convert(sourceURL, rawBody string) (models.CanonicalMessage, error) {
	ep, ok := c.byURL[sourceURL]
	if !ok {
		return models.CanonicalMessage{}, fmt.Errorf("%w: %s", ErrUnknownSource, sourceURL)
	}
	return models.CanonicalMessage{
		ID:        c.newID(),
		SourceURL: sourceURL,
		Exchange:  ep.Exchange,
		Symbol:    symbols.Canonical(ep.Exchange, ep.Symbol),
		Kind:      ep.Kind,
		Payload:   rawBody,
		FetchedAt: c.now(),
	}, nil
}
