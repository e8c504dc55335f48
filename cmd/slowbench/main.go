package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"slowbench/internal/bench"
	"slowbench/internal/config"
	"slowbench/internal/metrics"
	"slowbench/internal/status"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "slowbench",
		Short: "Load generator mixing fast and deliberately slow Redis clients",
		Long: `slowbench populates a Redis-compatible server with keys and one large
hash, then drives it with a mix of well-behaved pooled GET clients and raw
connections that drain a large HGETALL reply in small, delayed chunks to
exercise server-side output buffering.`,
		RunE: run,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().String("host", "127.0.0.1", "target server host")
	rootCmd.PersistentFlags().Int("port", 6379, "target server port")
	rootCmd.PersistentFlags().Int("connections", 10, "number of fast client connections")
	rootCmd.PersistentFlags().Int("slow-connections", 0, "number of slow client connections")
	rootCmd.PersistentFlags().Int("keys-count", 1000, "number of keys to populate")
	rootCmd.PersistentFlags().Int("data-size", 1024, "size of each populated value in bytes")
	rootCmd.PersistentFlags().String("hash-key", "large-hash", "name of the large hash")
	rootCmd.PersistentFlags().Int("hash-fields", 1000000, "number of fields in the large hash")
	rootCmd.PersistentFlags().Int("hash-field-size", 100, "size of each hash field value in bytes")
	rootCmd.PersistentFlags().Bool("skip-population", false, "skip the population stage")
	rootCmd.PersistentFlags().Bool("flush-before", false, "FLUSHDB before populating")
	rootCmd.PersistentFlags().Int("recv-chunk-size-min", 64, "minimum slow-read chunk size in bytes")
	rootCmd.PersistentFlags().Int("recv-chunk-size-max", 64, "maximum slow-read chunk size in bytes")
	rootCmd.PersistentFlags().Duration("recv-sleep-time", time.Second, "sleep between slow reads")
	rootCmd.PersistentFlags().Duration("recv-sleep-time-max", 0, "upper bound for a random sleep between slow reads (0 = fixed)")
	rootCmd.PersistentFlags().Duration("read-timeout", 0, "slow-read deadline per chunk (0 disables)")
	rootCmd.PersistentFlags().Duration("duration", 60*time.Second, "run duration (0 = until budget or signal)")
	rootCmd.PersistentFlags().Int("ops-per-conn", 0, "operation budget per fast connection (0 = unlimited)")
	rootCmd.PersistentFlags().Float64("ops-rate", 0, "per-connection fast op rate limit (0 = unlimited)")
	rootCmd.PersistentFlags().Bool("loop-slow", false, "slow connections re-request after each completed reply")
	rootCmd.PersistentFlags().Bool("reconnect-slow", false, "slow connections re-dial with backoff after a failure")
	rootCmd.PersistentFlags().Bool("pubsub", false, "publish/subscribe mode: slow subscribers drain pushed messages")
	rootCmd.PersistentFlags().String("channel", "test_channel", "pubsub channel name")
	rootCmd.PersistentFlags().Int("message-size-min", 100, "minimum published payload size in bytes")
	rootCmd.PersistentFlags().Int("message-size-max", 1000, "maximum published payload size in bytes")
	rootCmd.PersistentFlags().Duration("publish-interval", 100*time.Millisecond, "pause between publishes per publisher")
	rootCmd.PersistentFlags().Duration("report-interval", time.Second, "live report interval")
	rootCmd.PersistentFlags().String("status-addr", "", "HTTP status listen address (empty disables)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	for _, name := range []string{
		"host", "port", "connections", "slow-connections", "keys-count",
		"data-size", "hash-key", "hash-fields", "hash-field-size",
		"skip-population", "flush-before", "recv-chunk-size-min",
		"recv-chunk-size-max", "recv-sleep-time", "recv-sleep-time-max",
		"read-timeout", "duration", "ops-per-conn", "ops-rate", "loop-slow",
		"reconnect-slow", "pubsub", "channel", "message-size-min",
		"message-size-max", "publish-interval", "report-interval",
		"status-addr", "log-level",
	} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}
	log.SetLevel(level)

	b := bench.New(cfg, log)
	if cfg.StatusAddr != "" {
		go status.New(b, log).Start(cfg.StatusAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("received signal %v, draining...", sig)
		cancel()
	}()

	report, err := b.Run(ctx)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r metrics.RunReport) {
	fmt.Printf("\n=== Run Report ===\n")
	fmt.Printf("Wall time:         %s\n", r.Wall)
	fmt.Printf("Fast operations:   %d (%d failed)\n", r.FastOps, r.FastFailures)
	fmt.Printf("Throughput:        %.2f ops/sec\n", r.Throughput)
	fmt.Printf("Average latency:   %s\n", r.AvgLatency)
	fmt.Printf("Slow transfers:    %d (%d failed)\n", r.SlowTransfers, r.SlowFailures)
	fmt.Printf("Slow bytes:        %d\n", r.SlowBytes)
	fmt.Printf("Slow transfer time: %s\n", r.SlowDuration)
	if r.Reconnects > 0 {
		fmt.Printf("Reconnects:        %d\n", r.Reconnects)
	}
	if r.SubSessions > 0 || r.SubFailures > 0 {
		fmt.Printf("Sub sessions:      %d (%d failed)\n", r.SubSessions, r.SubFailures)
		fmt.Printf("Sub messages:      %d\n", r.SubMessages)
		fmt.Printf("Sub bytes:         %d\n", r.SubBytes)
	}
}
