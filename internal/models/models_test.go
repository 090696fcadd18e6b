package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/rewired-gh/hrvcorpus/internal/interval"
)

func TestRecordingValidate(t *testing.T) {
	tests := []struct {
		name      string
		recording Recording
		wantErr   bool
	}{
		{
			name: "valid recording",
			recording: Recording{
				ID:            "rec-1",
				RefFile:       "00000258_s002_t000.csv",
				SamplingFreq:  256,
				StartDatetime: time.Now(),
				ExamDuration:  600,
			},
			wantErr: false,
		},
		{
			name: "empty ID",
			recording: Recording{
				RefFile:      "a.csv",
				SamplingFreq: 256,
			},
			wantErr: true,
		},
		{
			name: "empty ref file",
			recording: Recording{
				ID:           "rec-1",
				SamplingFreq: 256,
			},
			wantErr: true,
		},
		{
			name: "zero sampling frequency",
			recording: Recording{
				ID:      "rec-1",
				RefFile: "a.csv",
			},
			wantErr: true,
		},
		{
			name: "negative duration",
			recording: Recording{
				ID:           "rec-1",
				RefFile:      "a.csv",
				SamplingFreq: 250,
				ExamDuration: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.recording.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Recording.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBeatSeriesRR(t *testing.T) {
	beats := BeatSeries{0.5, 1.3, 2.1, 3.1}
	rr := beats.RR()
	want := []float64{800, 800, 1000}
	if len(rr) != len(want) {
		t.Fatalf("got %d intervals, want %d", len(rr), len(want))
	}
	for i := range want {
		if diff := rr[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("rr[%d] = %v, want %v", i, rr[i], want[i])
		}
	}

	hr := rr.HR()
	if hr[0] != 75 || hr[2] != 60 {
		t.Errorf("unexpected heart rate: %v", hr)
	}

	ts := rr.Timestamps()
	if ts[2] < 2599.999 || ts[2] > 2600.001 {
		t.Errorf("last timestamp = %v, want 2600", ts[2])
	}

	if len(BeatSeries{1}.RR()) != 0 {
		t.Error("single beat should yield no intervals")
	}
	if (BeatSeries{1, 0.5}).Monotonic() {
		t.Error("decreasing series reported monotonic")
	}
}

func TestValueJSON(t *testing.T) {
	row := []Value{Of(1.5), Unset, Of(math.NaN())}
	data, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[1.5,null,null]" {
		t.Errorf("got %s", data)
	}

	var back []Value
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !back[0].Set || back[0].V != 1.5 || back[1].Set || back[2].Set {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestAnnotationSetJSON(t *testing.T) {
	raw := `{"background": [[0, 5]], "seizure": [[5, 10], [20, 30.5]]}`
	var ann AnnotationSet
	if err := json.Unmarshal([]byte(raw), &ann); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(ann.Background) != 1 || ann.Background[0] != (interval.Interval{Start: 0, End: 5}) {
		t.Errorf("unexpected background: %v", ann.Background)
	}
	if len(ann.Seizure) != 2 || ann.Seizure[1].End != 30.5 {
		t.Errorf("unexpected seizure: %v", ann.Seizure)
	}

	empty, err := json.Marshal(AnnotationSet{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(empty) != `{"background":[],"seizure":[]}` {
		t.Errorf("got %s", empty)
	}
}
