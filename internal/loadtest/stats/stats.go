// Package stats aggregates latency samples from many load test clients and
// prints a summary report with percentile distributions, optionally alongside
// the relay's own Prometheus metrics.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency series reported by Collector, in report order.
const (
	SeriesConnect = "Connect"
	SeriesJoin    = "Join"
	SeriesFanout  = "Fan-out"
)

var seriesOrder = []string{SeriesConnect, SeriesJoin, SeriesFanout}

// Collector aggregates samples from many client goroutines. It is
// goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector whose run starts now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a relay metrics scraper whose data Report includes.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) add(series string, d time.Duration) {
	c.mu.Lock()
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddConnect records one established connection and its dial latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
	c.add(SeriesConnect, d)
}

// AddJoinLatency records the time from dial to the relay's joined message.
func (c *Collector) AddJoinLatency(d time.Duration) { c.add(SeriesJoin, d) }

// AddMsgLatency records the time from a broadcast's send until another member
// of the workspace received it.
func (c *Collector) AddMsgLatency(d time.Duration) { c.add(SeriesFanout, d) }

// AddError counts a failed connection or send.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of established connections.
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

// Summary returns the distribution of one series.
func (c *Collector) Summary(series string) Summary {
	c.mu.Lock()
	samples := append([]time.Duration(nil), c.series[series]...)
	c.mu.Unlock()
	return Summarize(samples)
}

// Report prints the run's totals and every non-empty series.
func (c *Collector) Report() {
	c.mu.Lock()
	elapsed := time.Since(c.startTime)
	connections, errors := c.connections, c.errors
	scraper := c.scraper
	c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", connections)
	fmt.Printf("Errors:       %d\n", errors)
	if connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(errors)/float64(connections)*100)
	}

	for _, name := range seriesOrder {
		s := c.Summary(name)
		if s.N == 0 {
			continue
		}
		fmt.Printf("\n--- %s Latency ---\n", name)
		fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}

	if scraper != nil {
		scraper.Report()
	}
	fmt.Println()
}

// Summary is the distribution of a set of latency samples.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes their distribution. It
// returns the zero Summary for no samples.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: durations[n-1],
	}
}
