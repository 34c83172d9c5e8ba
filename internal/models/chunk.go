package models

import (
	"fmt"
	"strings"
)

// TranscriptChunk is one token window of a transcript together with its
// embedding. ID is assigned by the store on insert.
type TranscriptChunk struct {
	ID        int64
	AssetID   string
	Index     int
	Content   string
	Embedding []float32
}

// QueryResult is a single nearest-neighbour hit.
type QueryResult struct {
	ID       int64   `json:"id"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// FormatResults renders results as "ELEMENT {rank}: {content}" lines,
// ranks starting at 1.
func FormatResults(results []QueryResult) string {
	lines := make([]string, 0, len(results))
	for i, r := range results {
		lines = append(lines, fmt.Sprintf("ELEMENT %d: %s", i+1, r.Content))
	}
	return strings.Join(lines, "\n")
}
