package artifact

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/hrvcorpus/internal/consensus"
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

// DatetimeLayout is the start_datetime format of the infos block.
const DatetimeLayout = "2006/01/02 15:04:05"

const (
	keyInfos = "infos"
	keyScore = "score"
)

// Infos describes the recording a detection artifact was computed from.
type Infos struct {
	SamplingFreq  float64 `json:"sampling_freq"`
	StartDatetime string  `json:"start_datetime"`
	ExamDuration  float64 `json:"exam_duration"`
	RefFile       string  `json:"ref_file"`
	// Detectors gives the row order of the score table.
	Detectors []string `json:"detectors,omitempty"`
}

// InfosFor fills the infos block from a recording.
func InfosFor(rec *models.Recording, detectors []string) Infos {
	infos := Infos{
		SamplingFreq: rec.SamplingFreq,
		ExamDuration: rec.ExamDuration,
		RefFile:      rec.RefFile,
		Detectors:    append([]string(nil), detectors...),
	}
	if !rec.StartDatetime.IsZero() {
		infos.StartDatetime = rec.StartDatetime.Format(DatetimeLayout)
	}
	return infos
}

// Start parses StartDatetime; an empty value gives the zero time.
func (i Infos) Start() (time.Time, error) {
	if i.StartDatetime == "" {
		return time.Time{}, nil
	}
	return time.Parse(DatetimeLayout, i.StartDatetime)
}

// Detection is the per-recording output of the detect stage: one object per
// detector at the top level next to "infos" and "score".
type Detection struct {
	Infos   Infos
	Outputs map[string]models.DetectorOutput
	Score   consensus.Table
}

// Detectors returns the detector names in score-row order.
func (d *Detection) Detectors() []string {
	if len(d.Infos.Detectors) > 0 {
		return d.Infos.Detectors
	}
	names := make([]string, 0, len(d.Outputs))
	for name := range d.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RR returns the RR series of the named detector.
func (d *Detection) RR(detector string) (models.RRSeries, error) {
	out, ok := d.Outputs[detector]
	if !ok {
		return nil, fmt.Errorf("detector %q not present in detection artifact", detector)
	}
	return out.RRIntervals, nil
}

func (d Detection) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(d.Outputs)+2)
	for name, out := range d.Outputs {
		if name == keyInfos || name == keyScore {
			return nil, fmt.Errorf("detector name %q is reserved", name)
		}
		doc[name] = out
	}
	doc[keyInfos] = d.Infos
	doc[keyScore] = d.Score
	return json.Marshal(doc)
}

func (d *Detection) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	*d = Detection{Outputs: make(map[string]models.DetectorOutput)}
	for key, raw := range doc {
		var err error
		switch key {
		case keyInfos:
			err = json.Unmarshal(raw, &d.Infos)
		case keyScore:
			err = json.Unmarshal(raw, &d.Score)
		default:
			var out models.DetectorOutput
			err = json.Unmarshal(raw, &out)
			d.Outputs[key] = out
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}

// Features is the decoded form of a feature artifact.
type Features struct {
	Keys []string         `json:"keys"`
	Rows [][]models.Value `json:"features"`
}

// Column returns the values of one key across every row.
func (f *Features) Column(key string) ([]models.Value, bool) {
	idx := -1
	for i, k := range f.Keys {
		if k == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]models.Value, len(f.Rows))
	for i, row := range f.Rows {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out, true
}
