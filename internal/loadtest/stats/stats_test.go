package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	_, ok := Summarize(nil)
	assert.False(t, ok)

	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s, ok := Summarize(ds)
	require.True(t, ok)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddConnect(4 * time.Millisecond)
	c.AddSent()
	c.AddSent()
	c.AddDelivered(time.Millisecond)
	c.AddRejected("rate_limited")
	c.AddError()

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())
	assert.InDelta(t, 0.5, c.DeliveryRate(), 1e-9)

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "rate_limited=1")
	assert.Contains(t, out, "Chat Delivery Latency")
}

func TestParseMetricLine(t *testing.T) {
	name, v, ok := parseMetricLine(`urbanplaces_pushes_total{kind="chat_message"} 42`)
	require.True(t, ok)
	assert.Equal(t, "urbanplaces_pushes_total", name)
	assert.Equal(t, 42.0, v)

	name, v, ok = parseMetricLine("urbanplaces_ws_connections 7")
	require.True(t, ok)
	assert.Equal(t, "urbanplaces_ws_connections", name)
	assert.Equal(t, 7.0, v)

	_, _, ok = parseMetricLine(`broken{label="x" 1`)
	assert.False(t, ok)
	_, _, ok = parseMetricLine("lonely")
	assert.False(t, ok)
}

func TestParseSnapshotSumsSeries(t *testing.T) {
	body := strings.Join([]string{
		"# HELP urbanplaces_pushes_total Pushes.",
		"# TYPE urbanplaces_pushes_total counter",
		`urbanplaces_pushes_total{kind="chat_message",outcome="delivered"} 3`,
		`urbanplaces_pushes_total{kind="typing",outcome="delivered"} 2`,
		"urbanplaces_ws_connections 10",
		"urbanplaces_online_users 9",
		`http_request_duration_seconds_sum{method="GET",endpoint="/x"} 0.5`,
		`http_request_duration_seconds_count{method="GET",endpoint="/x"} 5`,
	}, "\n")

	snap, err := parseSnapshot(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 5.0, snap.pushes)
	assert.Equal(t, 10.0, snap.connections)
	assert.Equal(t, 9.0, snap.onlineUsers)
	assert.Equal(t, 5.0, snap.httpCount)
}
