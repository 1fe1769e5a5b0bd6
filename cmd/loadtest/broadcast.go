package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/arch1tech/platform/internal/guard"
	"github.com/arch1tech/platform/internal/loadtest/client"
	"github.com/arch1tech/platform/internal/loadtest/stats"
	"github.com/arch1tech/platform/internal/protocol"
)

// stampPrefix marks load test payloads. The send time follows it in unix
// nanoseconds so receivers can compute fan-out latency.
const stampPrefix = "lt:"

func stamp(t time.Time) string {
	return stampPrefix + strconv.FormatInt(t.UnixNano(), 10)
}

func sentAt(s string) (time.Time, bool) {
	raw, ok := strings.CutPrefix(s, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// runBroadcast connects members to each workspace, then has every member send
// code changes (and every chatEvery-th send a chat message) at a fixed
// interval. Each delivery to another member is one latency sample.
func runBroadcast(args []string) {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	common := registerCommon(fs)
	members := fs.Int("members", 5, "connections per workspace")
	interval := fs.Duration("interval", 500*time.Millisecond, "time between sends per member")
	duration := fs.Duration("duration", 30*time.Second, "how long to send")
	chatEvery := fs.Int("chat-every", 5, "send a chat message instead of a code change every N sends (0 disables)")
	fs.Parse(args)

	m, err := newMinter(common)
	if err != nil {
		exitf("broadcast: %v", err)
	}

	total := *members * *common.workspaces
	fmt.Printf("Broadcast test: %d workspaces x %d members to %s (interval=%s, duration=%s)\n",
		*common.workspaces, *members, *common.url, *interval, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *common.metricsURL != "" {
		scraper := stats.NewScraper(*common.metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	var rateLimited, rejected atomic.Int64

	onCode := func(raw json.RawMessage) {
		var msg protocol.ServerCodeChangeMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		if t, ok := sentAt(msg.Code); ok {
			collector.AddMsgLatency(time.Since(t))
		}
	}
	onChat := func(raw json.RawMessage) {
		var msg protocol.ServerChatMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		if t, ok := sentAt(msg.Content); ok {
			collector.AddMsgLatency(time.Since(t))
		}
	}

	// --- Connect ---
	fmt.Println("\n--- Connect phase ---")
	var mu sync.Mutex
	clients := make([]*client.Client, 0, total)
	sem := make(chan struct{}, *common.concurrency)
	var wg sync.WaitGroup

	for n := 0; n < total; n++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			u, err := m.connectURL(*common.url, n, *common.workspaces)
			if err != nil {
				collector.AddError()
				return
			}
			c, err := client.New(connCtx, u)
			if err != nil {
				collector.AddError()
				return
			}
			c.On(protocol.TypeCodeChange, onCode)
			c.On(protocol.TypeChatMessage, onChat)
			c.On(protocol.TypeRateLimited, func(json.RawMessage) { rateLimited.Add(1) })
			c.On(protocol.TypeError, func(json.RawMessage) { rejected.Add(1) })

			if _, err := c.WaitForJoin(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			metrics := c.GetMetrics()
			collector.AddConnect(metrics.ConnectLatency)
			collector.AddJoinLatency(metrics.JoinLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(n)
	}
	wg.Wait()
	fmt.Printf("Connected %d/%d (%d errors)\n", collector.ConnectionCount(), total, collector.ErrorCount())

	// --- Send ---
	fmt.Println("\n--- Send phase ---")
	sendCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var sent atomic.Int64
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			// Stagger senders across the interval.
			offset := time.Duration(i) * *interval / time.Duration(len(clients))
			select {
			case <-sendCtx.Done():
				return
			case <-time.After(offset):
			}

			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for seq := 1; ; seq++ {
				var err error
				if *chatEvery > 0 && seq%*chatEvery == 0 {
					err = c.Broadcast(guard.EventChatMessage, map[string]string{
						"username": "loadtest",
						"content":  stamp(time.Now()),
					})
				} else {
					err = c.Broadcast(guard.EventCodeChange, map[string]string{"code": stamp(time.Now())})
				}
				if err != nil {
					collector.AddError()
					return
				}
				sent.Add(1)

				select {
				case <-sendCtx.Done():
					return
				case <-c.Done():
					return
				case <-ticker.C:
				}
			}
		}(i, c)
	}
	wg.Wait()

	// Let in-flight deliveries land before closing.
	time.Sleep(time.Second)

	fmt.Println("\n--- Cleanup ---")
	for _, c := range clients {
		c.Close()
	}

	fmt.Printf("\nBroadcasts sent: %d  rate limited: %d  rejected: %d\n",
		sent.Load(), rateLimited.Load(), rejected.Load())
	collector.Report()
}
