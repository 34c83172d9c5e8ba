package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	dbURL      string
	store      string
	logLevel   string
	logJSON    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "hark",
		Short:         "Transcribe recordings into a searchable vector store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./config.yaml, ~/.config/hark/config.yaml)")
	root.PersistentFlags().StringVar(&opts.dbURL, "db-url", "", "PostgreSQL connection string (overrides database.url)")
	root.PersistentFlags().StringVar(&opts.store, "store", "", "vector store backend: postgres or memory")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(serveCmd(opts), ingestCmd(opts), queryCmd(opts), chatCmd(opts))
	return root
}
