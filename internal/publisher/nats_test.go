package publisher

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-rodalies-3d/transitsync/internal/progress"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	sent    []message
	failOn  string
	drained bool
	closed  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.failOn != "" && subject == f.failOn {
		return errors.New("nats: connection closed")
	}
	f.sent = append(f.sent, message{subject, data})
	return nil
}

func (f *fakeConn) Drain() error { f.drained = true; return nil }
func (f *fakeConn) Close() { f.closed = true }

type countingMetrics struct {
	published, errs, observed int
}

func (c *countingMetrics) NATSPublishedInc() { c.published++ }
func (c *countingMetrics) NATSPublishErrInc() { c.errs++ }
func (c *countingMetrics) PublishObserve(time.Duration) { c.observed++ }
func (c *countingMetrics) NATSSetConnected(bool) {}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"R4", "R4"},
		{" route:R4 ", "route_R4"},
		{"a.b>c*d/e f", "a_b_c_d_e_f"},
		{"", "_"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, subjectToken(tc.in), tc.in)
	}
}

func TestPublishMarkers(t *testing.T) {
	conn := &fakeConn{}
	m := &countingMetrics{}
	p := NewWithConn(conn, "transit.vehicles.", m)

	markers := []progress.Marker{
		{ID: "V1", RouteID: "R4", Progress: 0.5},
		{ID: "V.2", RouteID: "R4"},
	}
	conn.failOn = "transit.vehicles.R4.V_2"

	failed := p.PublishMarkers(markers)
	assert.Equal(t, 1, failed)
	require.Len(t, conn.sent, 1)
	assert.Equal(t, "transit.vehicles.R4.V1", conn.sent[0].subject)

	var decoded progress.Marker
	require.NoError(t, json.Unmarshal(conn.sent[0].data, &decoded))
	assert.Equal(t, 0.5, decoded.Progress)

	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.errs)
	assert.Equal(t, 2, m.observed)

	p.Close()
	assert.True(t, conn.drained)
	assert.True(t, conn.closed)
}
