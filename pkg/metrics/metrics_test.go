package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordIngestStarted(1024)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestionsInFlight))

	m.RecordStage("transcribed", 2*time.Second)
	m.RecordIngestFinished("done", 3)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IngestionsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestionsFinished.WithLabelValues("done")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChunksStored))

	m.RecordStageFailure("embedded", "")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailures.WithLabelValues("embedded", "other")))

	m.RecordQuery(time.Millisecond, nil)
	m.RecordQuery(time.Millisecond, errors.New("boom"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Queries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryFailures))

	m.RecordHTTPRequest("POST", "/upload", 200, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/upload", "200")))

	// a second set on its own registry does not collide
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordIngestStarted(1)
		m.RecordStage("stored", time.Second)
		m.RecordStageFailure("stored", "upstream failure")
		m.RecordIngestFinished("failed", 0)
		m.RecordQuery(time.Second, nil)
		m.RecordHTTPRequest("GET", "/health", 200, time.Second)
	})
}
