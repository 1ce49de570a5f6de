package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mini-rodalies-3d/transitsync/internal/progress"
)

// PublisherMetrics receives publish outcomes
type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Conn is the part of *nats.Conn the publisher needs
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher fans vehicle markers out on <prefix>.<route>.<marker>
type NATSPublisher struct {
	nc      Conn
	prefix  string
	metrics PublisherMetrics
}

// NewNATSPublisher connects to url. Reconnects are handled by the client and reported to m.
func NewNATSPublisher(url, prefix string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transitsync-poller"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("NATS: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("NATS: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("NATS: connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return NewWithConn(nc, prefix, m), nil
}

// NewWithConn wraps an existing connection
func NewWithConn(nc Conn, prefix string, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: strings.Trim(prefix, "."), metrics: m}
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Subject returns the subject a marker is published on
func (p *NATSPublisher) Subject(m progress.Marker) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(m.RouteID), subjectToken(m.ID))
}

// PublishMarker publishes one marker as JSON
func (p *NATSPublisher) PublishMarker(m progress.Marker) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode marker %s: %w", m.ID, err)
	}

	start := time.Now()
	err = p.nc.Publish(p.Subject(m), b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// PublishMarkers publishes every marker and returns the number of failures. A failed
// publish does not stop the rest of the batch.
func (p *NATSPublisher) PublishMarkers(markers []progress.Marker) int {
	failed := 0
	for _, m := range markers {
		if err := p.PublishMarker(m); err != nil {
			failed++
		}
	}
	if failed > 0 {
		log.Printf("NATS: %d of %d marker publishes failed", failed, len(markers))
	}
	return failed
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_", ":", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
