package aggregate

import (
	"encoding/json"

	"github.com/rewired-gh/hrvcorpus/internal/models"
)

// StageResult is the outcome of one stage for one window.
type StageResult struct {
	Stage Stage
	// Skipped is set when the window has too little history for the stage.
	Skipped bool
	Err     error
}

// OK reports whether the stage ran and succeeded.
func (r StageResult) OK() bool {
	return !r.Skipped && r.Err == nil
}

// Row is the feature vector of one short window.
type Row struct {
	Index  int
	Values []models.Value
	Stages []StageResult
}

func newRow(schema *Schema, index int) Row {
	return Row{
		Index:  index,
		Values: make([]models.Value, schema.Len()),
		Stages: make([]StageResult, 0, 4),
	}
}

// Stage returns the result recorded for stage.
func (r Row) Stage(stage Stage) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageResult{}, false
}

// Failure is a stage error attached to its window.
type Failure struct {
	Index  int
	Stage  Stage
	Reason string
}

// Table is the ordered output of one aggregation run.
type Table struct {
	Schema *Schema
	Rows   []Row
}

// Get returns the named value of row i.
func (t *Table) Get(i int, name string) models.Value {
	col, ok := t.Schema.Index(name)
	if !ok || i < 0 || i >= len(t.Rows) {
		return models.Unset
	}
	return t.Rows[i].Values[col]
}

// Failures lists every failed stage in window order.
func (t *Table) Failures() []Failure {
	var out []Failure
	for _, row := range t.Rows {
		for _, s := range row.Stages {
			if s.Err != nil {
				out = append(out, Failure{Index: row.Index, Stage: s.Stage, Reason: s.Err.Error()})
			}
		}
	}
	return out
}

// Labeled counts rows with a defined label.
func (t *Table) Labeled() int {
	col, ok := t.Schema.Index(Label)
	if !ok {
		return 0
	}
	var n int
	for _, row := range t.Rows {
		if row.Values[col].Set {
			n++
		}
	}
	return n
}

type tableJSON struct {
	Keys     []string         `json:"keys"`
	Features [][]models.Value `json:"features"`
}

// MarshalJSON writes {"keys": [...], "features": [[...], ...]} with null for unset slots.
func (t *Table) MarshalJSON() ([]byte, error) {
	out := tableJSON{
		Keys:     t.Schema.Keys(),
		Features: make([][]models.Value, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Features[i] = row.Values
	}
	return json.Marshal(out)
}
