package main

import (
	"github.com/spf13/cobra"

	"github.com/xhad/hark/server"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var streaming bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = ":" + a.config.Server.Port
			}

			config := server.Config{
				Pipeline:       a.pipeline,
				Fetcher:        a.fetcher,
				Transcription:  a.transcriber,
				MaxUploadBytes: a.config.Server.MaxUploadBytes,
				Streaming:      streaming,
				Gatherer:       a.registry,
				Metrics:        a.metrics,
				Logger:         a.logger,
			}
			if a.chat != nil {
				config.Chat = a.chat
			}

			s, err := server.NewWithConfig(config)
			if err != nil {
				return err
			}
			return s.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default \":\" + server.port)")
	cmd.Flags().BoolVar(&streaming, "stream", true, "stream chat answers over WebSocket")

	return cmd
}
