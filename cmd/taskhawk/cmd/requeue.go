package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhawk"
)

func (c *cli) newRequeueCmd() *cobra.Command {
	var (
		priorityName      string
		numMessages       int
		visibilityTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "requeue-dead-letter",
		Short: "Move dead-lettered messages back to their queue",
		Long: `Drain the dead-letter queue of one priority, republishing every message to
the priority's primary topic. Messages that fail to move stay in the
dead-letter queue.`,
		Example: `  taskhawk requeue-dead-letter --queue dev-myapp --provider aws --priority high`,
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

			logger := c.logger(cfg)
			rt, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			hub, err := c.newHub(cfg, rt, logger, nil)
			if err != nil {
				return err
			}
			if err := hub.RequeueDeadLetter(ctx, priority, numMessages, visibilityTimeout); err != nil {
				return fmt.Errorf("requeue %s dead-letter queue: %w", priority, err)
			}

			if c.outputJSON {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"queue":    cfg.Queue,
					"priority": priority.String(),
					"status":   "requeued",
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued dead-lettered messages for %s (%s priority)\n", cfg.Queue, priority)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&priorityName, "priority", "default", "priority whose dead-letter queue is drained")
	f.IntVar(&numMessages, "num-messages", 10, "messages moved per pull")
	f.DurationVar(&visibilityTimeout, "visibility-timeout", 30*time.Second, "visibility timeout requested on pull")
	return cmd
}
