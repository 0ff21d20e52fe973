package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nostrpool/relaypool/config"
	"github.com/nostrpool/relaypool/pool"
	"github.com/spf13/cobra"
)

const (
	usageRelays = "comma-separated relay urls"
	usageKinds  = "comma-separated event kinds to subscribe to"
	usageLimit  = "filter limit for the query"
)

func main() {
	rootCmd := &cobra.Command{Use: "relaypool"}

	var relays string
	var kinds []int
	var limit int

	queryCmd := &cobra.Command{Use: "query", Short: "run a blocking query and print the backlog", Run: runQuery}
	queryCmd.Flags().StringVarP(&relays, "relays", "r", "", usageRelays)
	queryCmd.Flags().IntSliceVarP(&kinds, "kinds", "k", []int{1}, usageKinds)
	queryCmd.Flags().IntVarP(&limit, "limit", "l", 20, usageLimit)

	streamCmd := &cobra.Command{Use: "stream", Short: "stream live events until interrupted", Run: runStream}
	streamCmd.Flags().StringVarP(&relays, "relays", "r", "", usageRelays)
	streamCmd.Flags().IntSliceVarP(&kinds, "kinds", "k", []int{1}, usageKinds)

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(streamCmd)
	err := rootCmd.Execute()
	if err != nil {
		panic(err)
	}
}

func buildPool(cmd *cobra.Command) (*pool.Pool, map[pool.RelayUrl]struct{}) {
	cfg, err := config.LoadConfig[config.PoolConfig]()
	if err != nil {
		panic(err)
	}

	relayFlag, _ := cmd.Flags().GetString("relays")
	raws := cfg.DefaultRelays
	if relayFlag != "" {
		raws = strings.Split(relayFlag, ",")
	}
	if len(raws) == 0 {
		slog.Error("no relays provided; set --relays or DEFAULT_RELAYS")
		os.Exit(1)
	}

	urls := make(map[pool.RelayUrl]struct{}, len(raws))
	for _, raw := range raws {
		u, err := pool.NormalizeURL(raw)
		if err != nil {
			slog.Warn("skipping invalid relay url", "url", raw, "error", err)
			continue
		}
		urls[u] = struct{}{}
	}

	p := pool.NewPool(pool.PoolContext{
		ResponseTimeout:       cfg.ResponseTimeout,
		StreamingBufferWindow: cfg.StreamingBufferWindow,
		MaxReconnectDelay:     cfg.MaxReconnectDelay,
		IdleTimeout:           cfg.IdleTimeout,
		GCInterval:            cfg.GCInterval,
		HealthCheckInterval:   cfg.HealthCheckInterval,
		PublishTimeout:        cfg.PublishTimeout,
		SkipVerification:      cfg.SkipVerification,
		LogRingSize:           cfg.LogRingSize,
		DefaultRelays:         map[string][]string{"default": cfg.DefaultRelays},
	})
	return p, urls
}

func runQuery(cmd *cobra.Command, _ []string) {
	p, urls := buildPool(cmd)
	defer p.Dispose()

	kinds, _ := cmd.Flags().GetIntSlice("kinds")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	events, err := p.Query(ctx, "cli-query", pool.Filters{{Kinds: kinds, Limit: limit}},
		&pool.QuerySource{Relays: urls})
	if err != nil {
		slog.Error("query failed", "error", err)
		os.Exit(1)
	}
	for _, ev := range events {
		fmt.Printf("%s  kind=%d  %s\n", ev.ID[:8], ev.Kind, firstLine(ev.Content))
	}
	slog.Info("query finished", "events", len(events))
}

func runStream(cmd *cobra.Command, _ []string) {
	p, urls := buildPool(cmd)
	defer p.Dispose()

	kinds, _ := cmd.Flags().GetIntSlice("kinds")

	p.OnEvents(func(sub pool.SubscriptionId, events []pool.Event, _ map[pool.EventID][]pool.RelayUrl) {
		for _, ev := range events {
			fmt.Printf("%s  kind=%d  %s\n", ev.ID[:8], ev.Kind, firstLine(ev.Content))
		}
	})
	p.ObserveState(func(s pool.PoolState) {
		slog.Debug("pool state", "subscriptions", len(s.Subscriptions), "logs", len(s.Logs))
	})

	_, err := p.Query(cmd.Context(), "cli-stream", pool.Filters{{Kinds: kinds}},
		&pool.QuerySource{Relays: urls, Stream: true})
	if err != nil {
		slog.Error("subscribe failed", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	p.Unsubscribe("cli-stream")
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		s = s[:idx]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
