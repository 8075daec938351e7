package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/instrument-index/internal/model"
)

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "0b7c2e4a", truncateID("0b7c2e4a-1f3d-4c55-9a7e-2d0c6f1b8e90"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}

func TestFormatRunsList(t *testing.T) {
	created := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "0b7c2e4a-1f3d-4c55-9a7e-2d0c6f1b8e90",
			Status:    model.RunStatusComplete,
			State:     model.JobStateDone,
			Summary:   &model.Summary{ProcessedCount: 120, Successful: 118, Failed: 2},
			CreatedAt: created,
			UpdatedAt: created.Add(42 * time.Second),
		},
		{
			ID:        "9f00aa11-0000-0000-0000-000000000000",
			Status:    model.RunStatusQueued,
			CreatedAt: created,
			UpdatedAt: created,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "0b7c2e4a")
	assert.NotContains(t, out, "0b7c2e4a-1f3d")
	assert.Contains(t, out, "118")
	assert.Contains(t, out, "42s")
	assert.Contains(t, out, "2026-03-02 09:30")
	assert.Contains(t, out, "9f00aa11")
	assert.Contains(t, out, "queued")
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &model.Summary{
		ProcessedCount: 10,
		Successful:     8,
		Failed:         2,
		Updated:        9,
		Batches:        3,
		FailedBatches:  1,
		CacheSize:      4,
		DurationMs:     1500,
	})
	out := buf.String()

	assert.Contains(t, out, "Processed:")
	assert.Contains(t, out, "3 (1 failed)")
	assert.Contains(t, out, "1.5s")
	assert.Regexp(t, `Successful:\s+8`, out)
	assert.Regexp(t, `Cache size:\s+4`, out)
}
