package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/austindbirch/taskhawk"
	"github.com/austindbirch/taskhawk/internal/config"
	"github.com/austindbirch/taskhawk/internal/logging"
)

// App customizes the CLI for a service that embeds it. The zero value is a
// usable CLI with no tasks registered.
type App struct {
	// Name is the command name, "taskhawk" when empty.
	Name string
	// Register adds the service's tasks to the hub before it listens.
	Register func(hub *taskhawk.Hub) error
	// Logger overrides the logger built from the app name.
	Logger *logging.Logger
}

type cli struct {
	app        App
	v          *viper.Viper
	cfgFile    string
	outputJSON bool
}

// NewRootCmd builds the command tree. Each call gets its own viper instance
// so commands can be built more than once in a process.
func NewRootCmd(app App) *cobra.Command {
	if app.Name == "" {
		app.Name = "taskhawk"
	}
	c := &cli{app: app, v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   app.Name,
		Short: "Taskhawk - asynchronous task dispatch over SNS/SQS, Pub/Sub and NSQ",
		Long: `Taskhawk dispatches named tasks as JSON messages through a queue provider
and runs them on consumers.

Settings come from a yaml config file, TASKHAWK_ prefixed environment
variables and flags, in increasing order of precedence.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (yaml)")
	pf.BoolVar(&c.outputJSON, "json", false, "output in JSON format")
	pf.String("queue", "", "application queue name, e.g. dev-myapp")
	pf.String("provider", "memory", "queue provider: memory, nsq, aws or gcp")
	pf.Bool("sync", false, "run dispatched tasks in-process")
	pf.String("retry-store", "none", "retry state store: none, memory, redis or postgres")
	c.bind(pf, map[string]string{
		"queue":       "queue",
		"provider":    "provider",
		"sync":        "sync",
		"retry-store": "retry_state.store",
	})

	rootCmd.AddCommand(
		c.newListenCmd(),
		c.newRequeueCmd(),
		c.newConfigCmd(),
		c.newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI for app.
func Execute(app App) error {
	return NewRootCmd(app).Execute()
}

func (c *cli) bind(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		cobra.CheckErr(c.v.BindPFlag(key, fs.Lookup(flag)))
	}
}

// loadConfig resolves settings from the config file, environment and
// flags.
func (c *cli) loadConfig() (config.Config, error) {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	}
	return config.Load(c.v)
}

func (c *cli) logger(cfg config.Config) *logging.Logger {
	if c.app.Logger != nil {
		return c.app.Logger
	}
	return logging.New(cfg.AppName)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
