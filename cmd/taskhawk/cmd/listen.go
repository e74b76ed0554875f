package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/internal/config"
	"github.com/austindbirch/taskhawk/internal/health"
	"github.com/austindbirch/taskhawk/internal/logging"
	"github.com/austindbirch/taskhawk/internal/metrics"
	"github.com/austindbirch/taskhawk/internal/tracing"
)

// nsqMonitorInterval is how often queue depth is scraped from nsqd.
const nsqMonitorInterval = 15 * time.Second

func (c *cli) newListenCmd() *cobra.Command {
	var priorityName string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Consume and run tasks",
		Long: `Pull messages from the queue for one priority and run their tasks until
interrupted or until --loop-count fetch cycles have completed.

Metrics are served at /metrics and consumer health at /healthz on --http-addr.`,
		Example: `  taskhawk listen --queue dev-myapp --provider aws --priority high
  taskhawk listen --queue dev-myapp --provider nsq --retry-store redis --concurrency 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := taskhawk.ParsePriority(priorityName)
			if err != nil {
				return err
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.listen(ctx, cfg, priority)
		},
	}

	f := cmd.Flags()
	f.StringVar(&priorityName, "priority", "default", "priority queue to consume: default, high, low or bulk")
	f.Int("num-messages", 10, "maximum messages pulled per fetch")
	f.Duration("visibility-timeout", 30*time.Second, "visibility timeout requested on pull")
	f.Int("loop-count", 0, "fetch cycles before exiting; 0 runs until interrupted")
	f.Int("concurrency", 1, "messages of one batch processed in parallel")
	f.Duration("heartbeat-interval", 0, "heartbeat period; 0 disables the heartbeat")
	f.String("http-addr", ":8083", "metrics and health listener; empty disables it")
	c.bind(f, map[string]string{
		"num-messages":       "consumer.num_messages",
		"visibility-timeout": "consumer.visibility_timeout",
		"loop-count":         "consumer.loop_count",
		"concurrency":        "consumer.concurrency",
		"heartbeat-interval": "consumer.heartbeat_interval",
		"http-addr":          "consumer.http_addr",
	})
	return cmd
}

func (c *cli) listen(ctx context.Context, cfg config.Config, priority taskhawk.Priority) error {
	logger := c.logger(cfg)
	log := logger.Plain().WithQueue(cfg.Queue).WithField("provider", cfg.Provider)

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracing(ctx, cfg.AppName, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer shutdown()
	}

	rt, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Warn("Failed to release resources")
		}
	}()

	// Three missed beats mark the consumer unhealthy.
	monitor := health.NewMonitor(3 * cfg.Consumer.HeartbeatInterval)
	heartbeat := func(ctx context.Context, args taskhawk.HookArgs) error {
		monitor.Beat()
		return nil
	}

	hub, err := c.newHub(cfg, rt, logger, heartbeat)
	if err != nil {
		return err
	}
	if len(hub.Registry().Names()) == 0 {
		log.Warn("No tasks registered; every message will fail validation")
	}

	if cfg.Consumer.HTTPAddr != "" {
		srv := serveHTTP(cfg.Consumer.HTTPAddr, monitor, rt.pinger, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if rt.nsqMonitor != nil {
		go rt.nsqMonitor.Run(ctx, nsqMonitorInterval)
	}

	err = hub.ListenForMessages(ctx, taskhawk.ListenRequest{
		Priority:          priority,
		NumMessages:       cfg.Consumer.NumMessages,
		VisibilityTimeout: cfg.Consumer.VisibilityTimeout,
		LoopCount:         cfg.Consumer.LoopCount,
		Concurrency:       cfg.Consumer.Concurrency,
		HeartbeatInterval: cfg.Consumer.HeartbeatInterval,
	})
	log.Info("Consumer stopped")
	return err
}

// serveHTTP starts the metrics and health listener in the background.
func serveHTTP(addr string, monitor *health.Monitor, dep health.Pinger, log *logging.LogEntry) *http.Server {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(monitor, dep))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", addr).Info("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
		}
	}()
	return srv
}
