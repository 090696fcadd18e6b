package annotation

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rewired-gh/hrvcorpus/internal/interval"
	"github.com/rewired-gh/hrvcorpus/internal/models"
)

const (
	SeizureTag    = "seiz"
	BackgroundTag = "bckg"
)

// ParseTSE reads a bi-class TUH term file ("start stop tag probability" per
// line). Lines with another shape, such as the version header, are skipped.
func ParseTSE(r io.Reader) (models.AnnotationSet, error) {
	var ann models.AnnotationSet
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		tokens := strings.Fields(scanner.Text())
		if len(tokens) != 4 {
			continue
		}

		var target *[]interval.Interval
		switch tokens[2] {
		case SeizureTag:
			target = &ann.Seizure
		case BackgroundTag:
			target = &ann.Background
		default:
			continue
		}

		start, err := strconv.ParseFloat(tokens[0], 64)
		if err != nil {
			return models.AnnotationSet{}, fmt.Errorf("line %d: invalid start: %w", line, err)
		}
		end, err := strconv.ParseFloat(tokens[1], 64)
		if err != nil {
			return models.AnnotationSet{}, fmt.Errorf("line %d: invalid end: %w", line, err)
		}
		iv := interval.Interval{Start: start, End: end}
		if !iv.Valid() {
			return models.AnnotationSet{}, fmt.Errorf("line %d: invalid interval %v", line, iv)
		}
		*target = append(*target, iv)
	}
	if err := scanner.Err(); err != nil {
		return models.AnnotationSet{}, fmt.Errorf("failed to read annotations: %w", err)
	}
	return ann, nil
}

// Normalize sorts both interval lists and fuses overlapping entries so they
// satisfy the ordering assumed by interval.Intersect.
func Normalize(ann models.AnnotationSet) models.AnnotationSet {
	return models.AnnotationSet{
		Background: interval.Merge(ann.Background),
		Seizure:    interval.Merge(ann.Seizure),
	}
}

// Validate checks that every interval is well formed.
func Validate(ann models.AnnotationSet) error {
	for _, iv := range ann.Background {
		if !iv.Valid() {
			return fmt.Errorf("invalid background interval %v", iv)
		}
	}
	for _, iv := range ann.Seizure {
		if !iv.Valid() {
			return fmt.Errorf("invalid seizure interval %v", iv)
		}
	}
	return nil
}
