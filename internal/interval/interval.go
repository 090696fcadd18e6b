// Package interval implements intersection and merging over sorted time ranges.
package interval

import (
	"fmt"
	"math"
	"sort"
)

// Interval is a closed time range in seconds.
type Interval struct {
	Start float64
	End   float64
}

// Len returns the interval length.
func (iv Interval) Len() float64 {
	return iv.End - iv.Start
}

// Valid reports whether Start <= End and both bounds are finite.
func (iv Interval) Valid() bool {
	return !math.IsNaN(iv.Start) && !math.IsNaN(iv.End) &&
		!math.IsInf(iv.Start, 0) && !math.IsInf(iv.End, 0) &&
		iv.Start <= iv.End
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%g, %g]", iv.Start, iv.End)
}

// Intersect returns the sorted, merged set of sub-ranges lying in both a and b.
// Both inputs must be sorted by Start and disjoint within themselves.
func Intersect(a, b []Interval) []Interval {
	var ranges []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		x, y := a[i], b[j]

		if x.End < y.End {
			i++
		} else {
			j++
		}

		if x.End >= y.Start && y.End >= x.Start {
			ranges = append(ranges, Interval{
				Start: math.Max(x.Start, y.Start),
				End:   math.Min(x.End, y.End),
			})
		}
	}
	return fuseAdjacent(ranges)
}

// fuseAdjacent joins consecutive ranges where one ends exactly where the next starts.
func fuseAdjacent(ranges []Interval) []Interval {
	if len(ranges) < 2 {
		return ranges
	}
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if last.End == r.Start {
			last.End = r.End
			continue
		}
		out = append(out, r)
	}
	return out
}

// Merge sorts ivs and fuses overlapping or touching ranges. The input is not modified.
func Merge(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := make([]Interval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			last.End = math.Max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Duration sums the lengths of ivs.
func Duration(ivs []Interval) float64 {
	var total float64
	for _, iv := range ivs {
		total += iv.Len()
	}
	return total
}

// Contains reports whether inner lies within some interval of outer.
func Contains(outer []Interval, inner Interval) bool {
	for _, o := range outer {
		if o.Start <= inner.Start && inner.End <= o.End {
			return true
		}
	}
	return false
}

// Sorted reports whether ivs are valid, ordered by Start and pairwise disjoint.
func Sorted(ivs []Interval) bool {
	for i, iv := range ivs {
		if !iv.Valid() {
			return false
		}
		if i > 0 && ivs[i-1].End > iv.Start {
			return false
		}
	}
	return true
}
