// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from concurrent load test clients.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	pushLatencies    []time.Duration
	connections      int
	errors           int
	sent             int
	delivered        int
	rejected         map[string]int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now(), rejected: make(map[string]int)}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// Report's output.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddSent records a chat message written by a client.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivered records a chat push received d after it was sent.
func (c *Collector) AddDelivered(d time.Duration) {
	c.mu.Lock()
	c.pushLatencies = append(c.pushLatencies, d)
	c.delivered++
	c.mu.Unlock()
}

// AddRejected records an error push from the server by code.
func (c *Collector) AddRejected(code string) {
	c.mu.Lock()
	c.rejected[code]++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// DeliveryRate is delivered/sent, or 0 before anything was sent.
func (c *Collector) DeliveryRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == 0 {
		return 0
	}
	return float64(c.delivered) / float64(c.sent)
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if c.sent > 0 {
		fmt.Fprintf(w, "Chat sent:    %d  delivered: %d (%.2f%%)\n",
			c.sent, c.delivered, float64(c.delivered)/float64(c.sent)*100)
	}
	for code, n := range c.rejected {
		fmt.Fprintf(w, "Rejected:     %s=%d\n", code, n)
	}

	if s, ok := Summarize(c.connectLatencies); ok {
		fmt.Fprintln(w, "\n--- Connect Latency ---")
		fmt.Fprintln(w, "  "+s.String())
	}
	if s, ok := Summarize(c.pushLatencies); ok {
		fmt.Fprintln(w, "\n--- Chat Delivery Latency ---")
		fmt.Fprintln(w, "  "+s.String())
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes their distribution. It
// returns false for an empty slice.
func Summarize(durations []time.Duration) (Summary, bool) {
	n := len(durations)
	if n == 0 {
		return Summary{}, false
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}, true
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}
