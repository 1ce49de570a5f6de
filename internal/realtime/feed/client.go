package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxFeedBytes guards against runaway responses
const maxFeedBytes = 32 << 20

// Client fetches raw GTFS-RT payloads over HTTP. Retry policy is left to the poll loop:
// a failed cycle is simply superseded by the next one.
type Client struct {
	http    *http.Client
	decoder *Decoder
}

// NewClient creates a feed client that decodes with the given decoder
func NewClient(decoder *Decoder) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		decoder: decoder,
	}
}

// Fetch downloads and decodes the feed at url
func (c *Client) Fetch(ctx context.Context, url string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return c.decoder.DecodeBytes(body)
}
