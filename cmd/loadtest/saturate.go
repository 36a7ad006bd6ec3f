package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urbanplaces/realtime/internal/loadtest/client"
	"github.com/urbanplaces/realtime/internal/loadtest/stats"
)

// runSaturate ramps up N connections, holds them and counts drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	domain := fs.String("domain", "loadtest.urbanplaces.local", "E-mail domain of the seeded accounts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	accounts, err := prepareAccounts(ctx, *connections, *domain, *rampUp+*hold+time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prepare accounts: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, *connections)
		dropped atomic.Int64
		holding atomic.Bool
	)

	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	fmt.Println("\n--- Ramp-up phase ---")
	ticker := time.NewTicker(interval)
ramp:
	for _, acct := range accounts {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break ramp
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(acct account) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := client.New(connCtx, *url, acct.Token, acct.ID)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()

			go func() {
				<-c.Done()
				if holding.Load() {
					dropped.Add(1)
				}
			}()
		}(acct)
	}
	ticker.Stop()
	wg.Wait()
	fmt.Printf("  opened %d connections (%d errors)\n", collector.ConnectionCount(), collector.ErrorCount())

	if ctx.Err() == nil {
		fmt.Printf("\n--- Hold phase (%s) ---\n", *hold)
		holding.Store(true)
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
		case <-time.After(*hold):
		}
		holding.Store(false)
		fmt.Printf("  dropped during hold: %d\n", dropped.Load())
	}

	mu.Lock()
	for _, c := range clients {
		_ = c.Close()
	}
	mu.Unlock()

	scraper.Stop()
	collector.Report(os.Stdout)
}
