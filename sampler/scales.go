package sampler

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"gonum.org/v1/gonum/floats"
)

// Scale is one allowed batch configuration: every image in the batch is loaded
// at Height x Width resolution, and the batch holds BatchSize images.
type Scale struct {
	Height, Width, BatchSize int
}

// String implements fmt.Stringer.
func (s Scale) String() string {
	return fmt.Sprintf("(h=%d, w=%d, batch=%d)", s.Height, s.Width, s.BatchSize)
}

// Pixels returns the total number of pixels a batch at this scale holds, the
// proxy used for accelerator memory when deriving batch sizes.
func (s Scale) Pixels() int {
	return s.Height * s.Width * s.BatchSize
}

// compareScales orders scales by (Height, Width, BatchSize).
func compareScales(a, b Scale) int {
	if c := cmp.Compare(a.Height, b.Height); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Width, b.Width); c != 0 {
		return c
	}
	return cmp.Compare(a.BatchSize, b.BatchSize)
}

// MakeDivisible rounds v to the nearest multiple of divisor, never below
// minValue (defaults to divisor) and never below 90% of v.
//
// This is the rounding rule MobileNet-family models use to pick dimensions that
// divide evenly by the network's total stride.
func MakeDivisible(v float64, divisor int, minValue ...int) int {
	minV := divisor
	if len(minValue) > 0 {
		minV = minValue[0]
	}
	newV := max(minV, int(v+float64(divisor)/2)/divisor*divisor)
	if float64(newV) < 0.9*v {
		newV += divisor
	}
	return newV
}

// spacedDims returns n equally spaced candidate dimensions from minDim to
// maxDim, inclusive.
func spacedDims(minDim, maxDim, n int) []float64 {
	if n < 2 {
		// floats.Span requires at least two points.
		return []float64{float64(minDim)}
	}
	dims := make([]float64, n)
	floats.Span(dims, float64(minDim), float64(maxDim))
	return dims
}

// batchScales builds the sorted, deduplicated set of scales for the given base
// configuration and crop bounds.
//
// Candidate heights and widths are paired positionally. The base dimensions are
// appended to their candidate lists when not already present; if only one axis
// gains an extra candidate, the unpaired tail is dropped. Each pair is rounded
// by MakeDivisible, and the batch size for a pair is the base pixel budget
// (baseH*baseW*batchSize) divided by the pair's area, never below the base
// batch size.
func batchScales(baseH, baseW, batchSize, maxScales, divisor, minH, maxH, minW, maxW int) []Scale {
	wDims := spacedDims(minW, maxW, maxScales)
	if !slices.Contains(wDims, float64(baseW)) {
		wDims = append(wDims, float64(baseW))
	}
	hDims := spacedDims(minH, maxH, maxScales)
	if !slices.Contains(hDims, float64(baseH)) {
		hDims = append(hDims, float64(baseH))
	}

	type hwPair struct{ h, w int }
	paired := sets.Make[hwPair]()
	for ii := range min(len(hDims), len(wDims)) {
		paired.Insert(hwPair{
			h: MakeDivisible(hDims[ii], divisor),
			w: MakeDivisible(wDims[ii], divisor),
		})
	}

	budget := float64(baseH * baseW * batchSize)
	scales := make([]Scale, 0, len(paired))
	for pair := range paired {
		bsz := int(roundCents(budget / float64(pair.h*pair.w)))
		scales = append(scales, Scale{
			Height:    pair.h,
			Width:     pair.w,
			BatchSize: max(batchSize, bsz),
		})
	}
	slices.SortFunc(scales, compareScales)
	return scales
}

// roundCents rounds x to two decimal places.
func roundCents(x float64) float64 {
	return math.Round(x*100) / 100
}
