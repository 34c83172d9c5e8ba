package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/hark/internal/models"
)

func ingestCmd(opts *rootOptions) *cobra.Command {
	var segments bool
	var assetID string

	cmd := &cobra.Command{
		Use:   "ingest <file|url>...",
		Short: "Transcribe recordings and store their chunks",
		Long: "Ingest local audio files or URLs. A URL may point at a recording or at a page\n" +
			"linking to recordings. With --segments the files are joined into one recording.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if assetID != "" && (len(args) > 1 || segments) {
				return fmt.Errorf("--asset-id needs a single input")
			}

			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if segments {
				return a.ingestSegments(cmd.Context(), args)
			}

			var failed int
			for _, arg := range args {
				assets, err := a.collect(cmd.Context(), arg)
				if err != nil {
					color.Red("✗ %s: %v", arg, err)
					failed++
					continue
				}
				for _, asset := range assets {
					if assetID != "" {
						asset.ID = assetID
					}
					if err := a.ingestOne(cmd.Context(), asset); err != nil {
						color.Red("✗ %s: %v", asset.Source, err)
						failed++
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of the inputs failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&segments, "segments", false, "join the files into a single recording")
	cmd.Flags().StringVar(&assetID, "asset-id", "", "asset id to store the recording under")

	return cmd
}

// collect resolves one argument into recordings.
func (a *app) collect(ctx context.Context, arg string) ([]models.AudioAsset, error) {
	if isURL(arg) {
		a.fetching.start(" Fetching " + arg)
		assets, err := a.fetcher.Collect(ctx, arg)
		requests := a.fetching.stop()
		if err != nil {
			return nil, err
		}
		color.Green("✓ Found %d recordings at %s (%d requests)", len(assets), arg, requests)
		return assets, nil
	}

	asset, err := readAudioFile(arg)
	if err != nil {
		return nil, err
	}
	return []models.AudioAsset{asset}, nil
}

func (a *app) ingestOne(ctx context.Context, asset models.AudioAsset) error {
	bar := getProgressBar(ingestSteps, " "+label(asset))
	run, err := a.pipeline.Ingest(ctx, asset, runProgress(bar, label(asset)))
	fmt.Println()
	if err != nil {
		return err
	}
	color.Green("✓ %s: stored %d chunks as %s", label(asset), run.Chunks, run.AssetID)
	return nil
}

func (a *app) ingestSegments(ctx context.Context, paths []string) error {
	var (
		parts  [][]byte
		format models.Format
	)
	for _, path := range paths {
		asset, err := readAudioFile(path)
		if err != nil {
			return err
		}
		if format != "" && asset.Format != format {
			return fmt.Errorf("segment %s is %s, expected %s", path, asset.Format, format)
		}
		format = asset.Format
		parts = append(parts, asset.Data)
	}

	bar := getProgressBar(ingestSteps, " segments")
	run, err := a.pipeline.IngestSegments(ctx, parts, format, runProgress(bar, fmt.Sprintf("%d segments", len(parts))))
	fmt.Println()
	if err != nil {
		return err
	}
	color.Green("✓ Joined %d segments: stored %d chunks as %s", len(parts), run.Chunks, run.AssetID)
	return nil
}

func readAudioFile(path string) (models.AudioAsset, error) {
	format, ok := models.FormatFromExt(filepath.Ext(path))
	if !ok {
		return models.AudioAsset{}, fmt.Errorf("unsupported audio file %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.AudioAsset{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return models.AudioAsset{}, fmt.Errorf("%s is empty", path)
	}

	asset := models.NewAudioAsset(data, format)
	asset.Source = path
	return asset, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func label(asset models.AudioAsset) string {
	if asset.Source != "" {
		return filepath.Base(asset.Source)
	}
	return asset.ID
}
