package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cryptocrawler/models"
)

// ErrNoEndpoints is returned when the registry resolves to zero endpoints.
var ErrNoEndpoints = errors.New("endpoint registry is empty")

// registryFile is the layout of a standalone exchanges file.
type registryFile struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
}

// LoadRegistry reads extra registry entries from path.
func LoadRegistry(path string) ([]ExchangeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchanges file: %w", err)
	}
	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse exchanges file: %w", err)
	}
	return reg.Exchanges, nil
}

// BuildEndpoints expands registry entries into endpoints, trade feed first.
// Empty URLs are skipped; a malformed entry or an empty result is an error.
func BuildEndpoints(entries []ExchangeConfig) ([]models.Endpoint, error) {
	var endpoints []models.Endpoint

	for i, entry := range entries {
		exchange := strings.ToLower(strings.TrimSpace(entry.Exchange))
		symbol := strings.TrimSpace(entry.Symbol)
		if exchange == "" {
			return nil, fmt.Errorf("exchanges[%d].exchange is required", i)
		}
		if symbol == "" {
			return nil, fmt.Errorf("exchanges[%d].symbol is required", i)
		}

		feeds := []struct {
			kind models.FeedKind
			raw  string
		}{
			{models.FeedTrade, entry.TradeURL},
			{models.FeedKline, entry.KlineURL},
		}
		for _, feed := range feeds {
			raw := strings.TrimSpace(feed.raw)
			if raw == "" {
				continue
			}
			if err := validateURL(raw); err != nil {
				return nil, fmt.Errorf("exchanges[%d].%s_url: %w", i, feed.kind, err)
			}
			endpoints = append(endpoints, models.Endpoint{Exchange: exchange, Symbol: symbol, Kind: feed.kind, URL: raw})
		}
	}

	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return endpoints, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}
