package interval

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestIntersect(t *testing.T) {
	tests := []struct {
		name string
		a, b []Interval
		want []Interval
	}{
		{
			name: "empty a",
			a:    nil,
			b:    []Interval{{0, 10}},
			want: nil,
		},
		{
			name: "empty b",
			a:    []Interval{{0, 10}},
			b:    nil,
			want: nil,
		},
		{
			name: "window against seizure",
			a:    []Interval{{0, 10}},
			b:    []Interval{{5, 10}},
			want: []Interval{{5, 10}},
		},
		{
			name: "window spanning two annotations",
			a:    []Interval{{10, 20}},
			b:    []Interval{{0, 12}, {15, 30}},
			want: []Interval{{10, 12}, {15, 20}},
		},
		{
			name: "touching annotations fuse",
			a:    []Interval{{0, 10}},
			b:    []Interval{{0, 4}, {4, 10}},
			want: []Interval{{0, 10}},
		},
		{
			name: "zero length intersection at boundary",
			a:    []Interval{{0, 10}},
			b:    []Interval{{10, 20}},
			want: []Interval{{10, 10}},
		},
		{
			name: "no overlap",
			a:    []Interval{{0, 1}, {5, 6}},
			b:    []Interval{{2, 3}, {7, 8}},
			want: nil,
		},
		{
			name: "multiple on both sides",
			a:    []Interval{{0, 5}, {10, 15}, {20, 25}},
			b:    []Interval{{3, 12}, {14, 21}},
			want: []Interval{{3, 5}, {10, 12}, {14, 15}, {20, 21}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Intersect(tt.a, tt.b)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Intersect() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// randomSet builds a sorted, disjoint set on an integer grid so float
// comparisons stay exact.
func randomSet(r *rand.Rand) []Interval {
	var out []Interval
	cursor := float64(r.Intn(5))
	for k := r.Intn(6); k > 0; k-- {
		start := cursor + float64(r.Intn(4)+1)
		end := start + float64(r.Intn(6))
		out = append(out, Interval{Start: start, End: end})
		cursor = end
	}
	return out
}

func TestIntersect_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for n := 0; n < 500; n++ {
		a, b := randomSet(r), randomSet(r)

		ab := Intersect(a, b)
		ba := Intersect(b, a)
		if diff := cmp.Diff(ab, ba, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("not commutative for a=%v b=%v (-ab +ba):\n%s", a, b, diff)
		}

		for _, iv := range ab {
			if !Contains(a, iv) || !Contains(b, iv) {
				t.Fatalf("%v not contained in both a=%v b=%v", iv, a, b)
			}
		}

		again := Intersect(a, ab)
		if diff := cmp.Diff(ab, again, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("not idempotent for a=%v b=%v (-first +second):\n%s", a, b, diff)
		}
	}
}

func TestMerge(t *testing.T) {
	in := []Interval{{5, 7}, {0, 2}, {1, 3}, {3, 4}, {10, 12}}
	want := []Interval{{0, 4}, {5, 7}, {10, 12}}
	if diff := cmp.Diff(want, Merge(in)); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
	if in[0] != (Interval{5, 7}) {
		t.Error("Merge() modified its input")
	}
	if Merge(nil) != nil {
		t.Error("Merge(nil) should be nil")
	}
}

func TestDurationAndSorted(t *testing.T) {
	ivs := []Interval{{0, 2.5}, {3, 4}}
	if got := Duration(ivs); got != 3.5 {
		t.Errorf("Duration() = %v, want 3.5", got)
	}
	if !Sorted(ivs) {
		t.Error("expected sorted set")
	}
	if Sorted([]Interval{{3, 4}, {0, 1}}) {
		t.Error("unordered set reported as sorted")
	}
	if Sorted([]Interval{{0, 4}, {3, 5}}) {
		t.Error("overlapping set reported as sorted")
	}
	if Sorted([]Interval{{2, 1}}) {
		t.Error("inverted interval reported as sorted")
	}
}
