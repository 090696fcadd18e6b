package aggregate

import (
	"fmt"

	"github.com/rewired-gh/hrvcorpus/internal/hrv"
)

// Stage identifies the computation that fills a group of feature slots.
type Stage int

const (
	StageMeta Stage = iota
	StageLabel
	StageShort
	StageMedium
	StageLong
)

func (s Stage) String() string {
	switch s {
	case StageMeta:
		return "meta"
	case StageLabel:
		return "label"
	case StageShort:
		return "short term"
	case StageMedium:
		return "medium term"
	case StageLong:
		return "long term"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Column names that are not HRV features.
const (
	IntervalIndex     = "interval_index"
	IntervalStartTime = "interval_start_time" // ms
	Label             = "label"
)

// Field is one named column of a feature row.
type Field struct {
	Name  string
	Stage Stage
}

// Schema is an ordered, immutable set of feature columns.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema builds a schema; column names must be unique.
func NewSchema(fields []Field) (*Schema, error) {
	s := &Schema{
		fields: append([]Field(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate schema field %q", f.Name)
		}
		s.index[f.Name] = i
	}
	return s, nil
}

// DefaultSchema returns the 30 column layout of the feature artifact.
func DefaultSchema() *Schema {
	s, err := NewSchema([]Field{
		{IntervalIndex, StageMeta},
		{IntervalStartTime, StageMeta},
		{hrv.MeanNNI, StageShort},
		{hrv.SDNN, StageShort},
		{hrv.SDSD, StageShort},
		{hrv.NNI50, StageShort},
		{hrv.PNNI50, StageShort},
		{hrv.NNI20, StageShort},
		{hrv.PNNI20, StageShort},
		{hrv.RMSSD, StageShort},
		{hrv.MedianNNI, StageShort},
		{hrv.RangeNNI, StageShort},
		{hrv.CVSD, StageShort},
		{hrv.CVNNI, StageShort},
		{hrv.MeanHR, StageShort},
		{hrv.MaxHR, StageShort},
		{hrv.MinHR, StageShort},
		{hrv.StdHR, StageShort},
		{hrv.LF, StageLong},
		{hrv.HF, StageLong},
		{hrv.VLF, StageLong},
		{hrv.LFHFRatio, StageLong},
		{hrv.CSI, StageMedium},
		{hrv.CVI, StageMedium},
		{hrv.ModifiedCSI, StageMedium},
		{hrv.SampEn, StageMedium},
		{hrv.SD1, StageMedium},
		{hrv.SD2, StageMedium},
		{hrv.RatioSD2SD1, StageMedium},
		{Label, StageLabel},
	})
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	return len(s.fields)
}

// Keys returns the column names in order.
func (s *Schema) Keys() []string {
	keys := make([]string, len(s.fields))
	for i, f := range s.fields {
		keys[i] = f.Name
	}
	return keys
}

// Index returns the column of name.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Field returns column i.
func (s *Schema) Field(i int) Field {
	return s.fields[i]
}

// StageOf returns the stage filling name.
func (s *Schema) StageOf(name string) (Stage, bool) {
	i, ok := s.index[name]
	if !ok {
		return 0, false
	}
	return s.fields[i].Stage, true
}
