package signal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrChannelCount = errors.New("expected exactly one ECG channel")
	ErrEmpty        = errors.New("waveform has no samples")
)

// Waveform is a multi-channel recording sampled at a single rate.
type Waveform struct {
	Labels       []string
	Channels     [][]float64
	SamplingFreq float64
}

// Len returns the number of samples per channel.
func (w *Waveform) Len() int {
	if len(w.Channels) == 0 {
		return 0
	}
	return len(w.Channels[0])
}

// Duration returns the recording length in seconds.
func (w *Waveform) Duration() float64 {
	if w.SamplingFreq <= 0 {
		return 0
	}
	return float64(w.Len()) / w.SamplingFreq
}

// IsECGLabel reports whether a channel label names an ECG lead.
func IsECGLabel(label string) bool {
	l := strings.ToUpper(label)
	return strings.Contains(l, "ECG") || strings.Contains(l, "EKG")
}

// ECG returns the single ECG channel and its label.
func (w *Waveform) ECG() (string, []float64, error) {
	found := -1
	for i, label := range w.Labels {
		if !IsECGLabel(label) {
			continue
		}
		if found >= 0 {
			return "", nil, fmt.Errorf("%w: %q and %q", ErrChannelCount, w.Labels[found], label)
		}
		found = i
	}
	if found < 0 {
		return "", nil, fmt.Errorf("%w: none among %v", ErrChannelCount, w.Labels)
	}
	return w.Labels[found], w.Channels[found], nil
}

// ReadCSV parses a waveform whose first row holds channel labels and every
// following row one sample per channel.
func ReadCSV(r io.Reader, fs float64) (*Waveform, error) {
	if fs <= 0 {
		return nil, fmt.Errorf("invalid sampling frequency %v", fs)
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	w := &Waveform{
		Labels:       append([]string(nil), header...),
		Channels:     make([][]float64, len(header)),
		SamplingFreq: fs,
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read samples: %w", err)
		}
		line, _ := cr.FieldPos(0)
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d, channel %q: %w", line, w.Labels[i], err)
			}
			w.Channels[i] = append(w.Channels[i], v)
		}
	}

	if w.Len() == 0 {
		return nil, ErrEmpty
	}
	return w, nil
}

// WriteCSV writes w in the layout ReadCSV expects.
func WriteCSV(out io.Writer, w *Waveform) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(w.Labels); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]string, len(w.Channels))
	for n := 0; n < w.Len(); n++ {
		for i, ch := range w.Channels {
			row[i] = strconv.FormatFloat(ch[n], 'g', 8, 64)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write sample %d: %w", n, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
