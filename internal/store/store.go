// Package store persists instrument records, their audit history and
// precompute job runs.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/instrument-index/internal/model"
)

// ErrNotFound is returned (wrapped) when a record or run does not exist.
var ErrNotFound = eris.New("store: not found")

// Selection picks which instruments a Filter matches.
type Selection int

const (
	// SelectAll matches every record.
	SelectAll Selection = iota
	// SelectPending matches records with any missing or failed derived field.
	SelectPending
	// SelectValidTranslation matches records holding a usable translation.
	SelectValidTranslation
	// SelectValidEnrichment matches records holding a usable description.
	SelectValidEnrichment
	// SelectWithEmbedding matches records with a stored vector.
	SelectWithEmbedding
	// SelectComplete is the complement of SelectPending.
	SelectComplete
)

// Filter narrows instrument queries. Name and Variant match the identity key
// (trimmed, case-insensitive).
type Filter struct {
	Selection      Selection
	SkipEnrichment bool
	Name           *string
	Variant        *string
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Change is one record's write; only Fields are persisted.
type Change struct {
	Instrument model.Instrument
	Fields     []model.Field
}

func uniformChanges(instruments []model.Instrument, fields []model.Field) []Change {
	changes := make([]Change, len(instruments))
	for i, inst := range instruments {
		changes[i] = Change{Instrument: inst, Fields: fields}
	}
	return changes
}

// InstrumentStore is the record store the pipeline reads and writes.
type InstrumentStore interface {
	QueryInstruments(ctx context.Context, f Filter) ([]model.Instrument, error)
	CountInstruments(ctx context.Context, f Filter) (int, error)
	GetInstrument(ctx context.Context, id int64) (*model.Instrument, error)
	// WriteChanges persists each change's fields in one transaction and
	// appends one history row per record. Nothing is written on error.
	WriteChanges(ctx context.Context, changes []Change) error
	// BulkWrite is WriteChanges with the same fields for every record.
	BulkWrite(ctx context.Context, instruments []model.Instrument, fields []model.Field) error
	CreateInstrument(ctx context.Context, inst model.Instrument) (*model.Instrument, error)
}

// RunStore persists precompute job runs.
type RunStore interface {
	CreateRun(ctx context.Context, params model.RunParams) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunState(ctx context.Context, runID string, state model.JobState) error
	// UpdateRunResult stores the summary and marks the run complete, or
	// failed when runErr is non-empty.
	UpdateRunResult(ctx context.Context, runID string, summary *model.Summary, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
}

// Store is the full persistence interface.
type Store interface {
	InstrumentStore
	RunStore

	Migrate(ctx context.Context) error
	Close() error
}
