package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/hark/internal/models"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func queryCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Print the transcript chunks nearest to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.pipeline.Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				color.Yellow("No transcripts stored yet")
				return nil
			}
			fmt.Println(models.FormatResults(results))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of results (default database.search_limit)")

	return cmd
}

func chatCmd(opts *rootOptions) *cobra.Command {
	var streaming bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions about stored transcripts interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.chatLoop(cmd.Context(), streaming)
		},
	}
	cmd.Flags().BoolVar(&streaming, "stream", true, "stream answers as they are generated")

	return cmd
}

func (a *app) chatLoop(ctx context.Context, streaming bool) error {
	color.Cyan("\nChat with your recordings (type 'exit' to quit)")
	if a.chat == nil {
		color.Yellow("No chat model enabled; showing matching excerpts only")
	}

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			return nil
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.ToLower(query) == "exit" {
			break
		}
		if query == "" {
			continue
		}

		if url := urlRegex.FindString(query); url != "" {
			color.Blue("\nDetected URL: %s", url)
			assets, err := a.collect(ctx, url)
			if err != nil {
				color.Red("Failed to fetch URL: %v", err)
				continue
			}
			for _, asset := range assets {
				if err := a.ingestOne(ctx, asset); err != nil {
					color.Red("✗ %s: %v", label(asset), err)
				}
			}
			if query == url {
				continue
			}
		}

		querySpinner := getSpinner(" Searching transcripts...")
		results, err := a.pipeline.Search(ctx, query, 0)
		_ = querySpinner.Finish()
		if err != nil {
			color.Red("Error querying transcripts: %v", err)
			continue
		}

		if a.chat == nil {
			fmt.Printf("\n%s\n", models.FormatResults(results))
			continue
		}

		if !streaming {
			responseSpinner := getSpinner(" Generating response...")
			response, err := a.chat.Answer(ctx, query, results)
			_ = responseSpinner.Finish()
			if err != nil {
				color.Red("Error: %v", err)
				continue
			}
			assistantPrompt("\nAssistant: %s\n", response)
			continue
		}

		stream, err := a.chat.AnswerStream(ctx, query, results)
		if err != nil {
			color.Red("Error: %v", err)
			continue
		}

		fmt.Print("\n")
		assistantPrompt("Assistant: ")
		for chunk := range stream {
			if strings.HasPrefix(chunk, "Error:") {
				color.Red("\n%s", chunk)
				break
			}
			fmt.Print(chunk)
		}
		fmt.Print("\n")
	}

	return scanner.Err()
}
