package signal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsECGLabel(t *testing.T) {
	tests := []struct {
		label string
		want  bool
	}{
		{"ECG", true},
		{"EEG EKG1-REF", true},
		{"ecg lead ii", true},
		{"EEG FP1-REF", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsECGLabel(tt.label); got != tt.want {
			t.Errorf("IsECGLabel(%q) = %v, want %v", tt.label, got, tt.want)
		}
	}
}

func TestReadCSV(t *testing.T) {
	in := "EEG FP1, EKG1\n0.1, 1.5\n0.2, -0.5\n0.3, 2\n"

	w, err := ReadCSV(strings.NewReader(in), 256)
	require.NoError(t, err)
	assert.Equal(t, 3, w.Len())
	assert.InDelta(t, 3.0/256, w.Duration(), 1e-12)

	label, ecg, err := w.ECG()
	require.NoError(t, err)
	assert.Equal(t, "EKG1", label)
	assert.Equal(t, []float64{1.5, -0.5, 2}, ecg)
}

func TestReadCSV_Errors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("ECG\n1\n"), 0)
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader(""), 256)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = ReadCSV(strings.NewReader("ECG\n"), 256)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = ReadCSV(strings.NewReader("ECG\n1\nabc\n"), 256)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestWaveform_ECGChannelCount(t *testing.T) {
	none := &Waveform{Labels: []string{"FP1", "FP2"}, Channels: [][]float64{{0}, {0}}}
	_, _, err := none.ECG()
	assert.ErrorIs(t, err, ErrChannelCount)

	two := &Waveform{Labels: []string{"ECG", "EKG"}, Channels: [][]float64{{0}, {0}}}
	_, _, err = two.ECG()
	assert.ErrorIs(t, err, ErrChannelCount)
}

func TestWriteCSV(t *testing.T) {
	w := &Waveform{
		Labels:       []string{"EEG", "ECG"},
		Channels:     [][]float64{{1, 2}, {0.5, -0.25}},
		SamplingFreq: 100,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, w))
	assert.Equal(t, "EEG,ECG\n1,0.5\n2,-0.25\n", buf.String())

	back, err := ReadCSV(&buf, 100)
	require.NoError(t, err)
	assert.Equal(t, w.Channels, back.Channels)
}

func TestECGSim(t *testing.T) {
	const fs = 256.0
	a := NewECGSim(fs, 72, 0.02, WithSeed(7))
	b := NewECGSim(fs, 72, 0.02, WithSeed(7))

	sa := a.Generate(int(60 * fs))
	sb := b.Generate(int(60 * fs))
	assert.Equal(t, sa, sb, "same seed must reproduce the waveform")

	beats := a.Beats()
	// 72 bpm for one minute, modulation averages out
	assert.InDelta(t, 72, len(beats), 2)
	for i := 1; i < len(beats); i++ {
		rr := beats[i] - beats[i-1]
		assert.Greater(t, rr, 60.0/90)
		assert.Less(t, rr, 60.0/60)
	}
}

func TestECGSim_NoModulation(t *testing.T) {
	s := NewECGSim(250, 60, 0, WithModulation(0, 0))
	s.Generate(250 * 10)
	beats := s.Beats()
	require.Len(t, beats, 10)
	for i := 1; i < len(beats); i++ {
		assert.InDelta(t, 1.0, beats[i]-beats[i-1], 2.0/250)
	}
}
