package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskhawk/internal/config"
)

const redacted = "****"

func (c *cli) newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect taskhawk configuration",
	}

	viewCmd := &cobra.Command{
		Use:   "view",
		Short: "View the resolved configuration",
		Long: `Display the configuration after merging defaults, the config file,
environment variables and flags. Secrets are redacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			cfg = redact(cfg)
			if c.outputJSON {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			printConfig(cmd.OutOrStdout(), cfg, c.v.ConfigFileUsed())
			return nil
		},
	}

	configCmd.AddCommand(viewCmd)
	return configCmd
}

func redact(cfg config.Config) config.Config {
	for _, s := range []*string{&cfg.AWS.SecretKey, &cfg.AWS.SessionToken, &cfg.Redis.Password, &cfg.DB.Pass} {
		if *s != "" {
			*s = redacted
		}
	}
	return cfg
}

func printConfig(w io.Writer, cfg config.Config, file string) {
	fmt.Fprintln(w, "Current configuration:")
	fmt.Fprintf(w, "  App name: %s\n", cfg.AppName)
	fmt.Fprintf(w, "  Queue: %s\n", cfg.Queue)
	fmt.Fprintf(w, "  Provider: %s\n", cfg.Provider)
	fmt.Fprintf(w, "  Sync: %v\n", cfg.Sync)
	fmt.Fprintf(w, "  Consumer: %d messages, %s visibility, concurrency %d\n",
		cfg.Consumer.NumMessages, cfg.Consumer.VisibilityTimeout, cfg.Consumer.Concurrency)
	fmt.Fprintf(w, "  Retry state: %s (max tries %d, ttl %s)\n",
		cfg.RetryState.Store, cfg.RetryState.MaxTries, cfg.RetryState.TTL)

	switch cfg.Provider {
	case "nsq":
		fmt.Fprintf(w, "  NSQ: nsqd %s, lookupd %s, channel %s\n",
			cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr, cfg.NSQ.Channel)
	case "aws":
		fmt.Fprintf(w, "  AWS: region %s, account %s\n", cfg.AWS.Region, cfg.AWS.AccountID)
	case "gcp":
		project := cfg.GCP.ProjectID
		if project == "" {
			project = "(from credentials)"
		}
		fmt.Fprintf(w, "  GCP: project %s\n", project)
	}

	if file != "" {
		fmt.Fprintf(w, "  Config file: %s\n", file)
	} else {
		fmt.Fprintln(w, "  Config file: none (using defaults)")
	}
}
