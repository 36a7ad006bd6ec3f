package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urbanplaces/realtime/internal/loadtest/client"
	"github.com/urbanplaces/realtime/internal/loadtest/stats"
	"github.com/urbanplaces/realtime/internal/protocol"
)

// Chat text is "<prefix><unix nanos>:<padding>" so the receiver can measure
// delivery latency.
const latencyPrefix = "lt:"

// runChat connects user pairs and has both sides send a typing indicator and
// a chat message every interval for the duration of the run.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Approximate size of each message in bytes")
	domain := fs.String("domain", "loadtest.urbanplaces.local", "E-mail domain of the seeded accounts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accounts, err := prepareAccounts(ctx, *pairs*2, *domain, *duration+time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare accounts: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Chat test: %d pairs to %s (duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, *url, *duration, *msgInterval, *msgSize)

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		a, b := accounts[2*i], accounts[2*i+1]
		wg.Add(2)
		go func() { defer wg.Done(); runChatter(runCtx, *url, a, b, *msgInterval, *msgSize, collector) }()
		go func() { defer wg.Done(); runChatter(runCtx, *url, b, a, *msgInterval, *msgSize, collector) }()
	}
	wg.Wait()

	scraper.Stop()
	collector.Report(os.Stdout)
}

// runChatter connects self and sends to peer until ctx is done.
func runChatter(ctx context.Context, url string, self, peer account, interval time.Duration, size int, collector *stats.Collector) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.New(dialCtx, url, self.Token, self.ID,
		client.On(protocol.TypeChatMessage, func(raw json.RawMessage) {
			var push protocol.ChatMessagePush
			if err := json.Unmarshal(raw, &push); err != nil {
				return
			}
			if sent, ok := parseLatencyStamp(push.Message); ok {
				collector.AddDelivered(time.Since(sent))
			}
		}),
		client.On(protocol.TypeError, func(raw json.RawMessage) {
			var msg protocol.ErrorMsg
			if err := json.Unmarshal(raw, &msg); err == nil {
				collector.AddRejected(msg.Code)
			}
		}),
	)
	cancel()
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	padding := strings.Repeat("x", size)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.SendTyping(peer.ID, false)
			// Let in-flight pushes arrive before closing.
			time.Sleep(200 * time.Millisecond)
			return
		case <-c.Done():
			collector.AddError()
			return
		case <-ticker.C:
			if err := c.SendTyping(peer.ID, true); err != nil {
				collector.AddError()
				continue
			}
			if err := c.SendChat(peer.ID, latencyStamp(time.Now(), padding)); err != nil {
				collector.AddError()
				continue
			}
			collector.AddSent()
		}
	}
}

func latencyStamp(t time.Time, padding string) string {
	return latencyPrefix + strconv.FormatInt(t.UnixNano(), 10) + ":" + padding
}

func parseLatencyStamp(text string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(text, latencyPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, _ := strings.Cut(rest, ":")
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
