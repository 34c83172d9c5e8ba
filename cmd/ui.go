package main

import (
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/hark/pkg/pipeline"
)

// ingestSteps is the number of transitions of a successful run.
const ingestSteps = 7

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// fetchStatus shows the URL being downloaded on the active spinner.
type fetchStatus struct {
	mu      sync.Mutex
	spinner *progressbar.ProgressBar
	fetched int
}

func (s *fetchStatus) start(description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spinner = getSpinner(description)
	s.fetched = 0
}

// stop finishes the spinner and returns the number of requests made since
// start.
func (s *fetchStatus) stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spinner != nil {
		_ = s.spinner.Finish()
		s.spinner = nil
	}
	return s.fetched
}

func (s *fetchStatus) visit(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched++
	if s.spinner != nil {
		s.spinner.Describe(color.CyanString(" Fetching %s", url))
	}
}

// runProgress returns an observer that advances bar on every transition.
func runProgress(bar *progressbar.ProgressBar, label string) pipeline.Observer {
	return func(run pipeline.Run) {
		switch run.State {
		case pipeline.StateFailed:
			bar.Describe(color.RedString(" %s: failed in %s", label, run.FailedStage))
			_ = bar.Exit()
		case pipeline.StateDone:
			bar.Describe(color.GreenString(" %s: done", label))
			_ = bar.Finish()
		default:
			bar.Describe(color.BlueString(" %s: %s", label, run.State))
			_ = bar.Add(1)
		}
	}
}
