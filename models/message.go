package models

import "time"

// CanonicalMessage is the broker-facing envelope around one endpoint's
// response body. Payload is the exchange body as received (or as filtered
// by deduplication), never re-encoded.
type CanonicalMessage struct {
	ID        string    `json:"id"`
	SourceURL string    `json:"source_url"`
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Kind      FeedKind  `json:"kind"`
	Payload   string    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Key groups messages of the same feed, e.g. for broker partitioning.
func (m CanonicalMessage) Key() string {
	return m.Exchange + ":" + m.Symbol + ":" + m.Kind.String()
}
