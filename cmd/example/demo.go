package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/backend/memory"
	"github.com/austindbirch/taskhawk/internal/logging"
	"github.com/austindbirch/taskhawk/retrystate"
)

const demoQueue = "dev-example"

type demoOptions struct {
	Count     int
	LoopCount int
	// Schedule is a cron spec with seconds for the search index rebuild.
	// Empty disables the scheduler.
	Schedule string
}

func newDemoCmd() *cobra.Command {
	var opts demoOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Publish and consume example tasks on an in-process broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New("taskhawk-example")
			_, err := runDemo(cmd.Context(), cmd.OutOrStdout(), logger, opts)
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Count, "count", 3, "messages published per task")
	f.IntVar(&opts.LoopCount, "loop-count", 5, "fetch cycles per priority")
	f.StringVar(&opts.Schedule, "schedule", "", `cron spec for the index rebuild, e.g. "*/1 * * * * *"`)
	return cmd
}

// runDemo dispatches example tasks through the memory provider, consumes
// every priority queue concurrently and prints what ran.
func runDemo(ctx context.Context, w io.Writer, logger *logging.Logger, opts demoOptions) (*activity, error) {
	broker := memory.NewBroker(memory.WithWaitTime(50 * time.Millisecond))
	hub, err := taskhawk.NewHub(taskhawk.Config{
		Queue:      demoQueue,
		RetryStore: retrystate.NewMemory(3),
		Logger:     logger,
		DefaultHeaders: func(ctx context.Context, task *taskhawk.Task) map[string]string {
			return map[string]string{"request_id": uuid.NewString()}
		},
	}, nil, memory.NewProvider(broker, demoQueue))
	if err != nil {
		return nil, err
	}

	act := newActivity()
	tasks, err := registerTasks(hub, act)
	if err != nil {
		return nil, err
	}

	for i := 1; i <= opts.Count; i++ {
		if _, err := tasks.sendWelcomeEmail.Dispatch(ctx, i, fmt.Sprintf("user%d@example.com", i)); err != nil {
			return nil, err
		}
		if _, err := tasks.chargeOrder.Dispatch(ctx, fmt.Sprintf("order-%d", i), i*1000); err != nil {
			return nil, err
		}
	}
	if _, err := tasks.rebuildSearchIndex.DispatchWithKwargs(ctx, map[string]any{"index": "products"}); err != nil {
		return nil, err
	}

	if opts.Schedule != "" {
		scheduler := taskhawk.NewScheduler(logger)
		inv := tasks.rebuildSearchIndex.WithHeaders(map[string]string{"source": "scheduler"})
		if _, err := scheduler.Add(opts.Schedule, inv, nil, map[string]any{"index": "products"}); err != nil {
			return nil, fmt.Errorf("schedule index rebuild: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	p := pool.New().WithErrors().WithContext(ctx)
	for _, priority := range taskhawk.Priorities() {
		p.Go(func(ctx context.Context) error {
			return hub.ListenForMessages(ctx, taskhawk.ListenRequest{
				Priority:          priority,
				NumMessages:       10,
				VisibilityTimeout: 30 * time.Second,
				LoopCount:         opts.LoopCount,
				Concurrency:       2,
			})
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	for _, name := range act.Tasks() {
		fmt.Fprintf(w, "%s: %d runs\n", name, act.Runs(name))
	}
	for _, queue := range broker.Queues() {
		fmt.Fprintf(w, "%s: %d pending\n", queue, broker.Len(queue))
	}
	return act, nil
}
