// Package sampler computes multi-scale batch schedules for image
// classification training.
//
// A VariableBatchSampler enumerates dataset indices epoch by epoch and cuts
// them into batches, each tagged with a (height, width) resolution drawn from
// a set of allowed scales. Batch sizes grow as resolutions shrink, holding the
// total pixel count -- a proxy for accelerator memory -- close to the base
// configuration's budget. Optionally the crop bounds grow at configured
// epochs, so training sees progressively larger images.
//
// The schedule follows the variably-sized multi-scale sampler introduced with
// MobileViT (https://arxiv.org/abs/2110.02178).
package sampler

import (
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// Batch is one entry of an epoch's schedule: the indices of the samples to
// load, all at Height x Width resolution.
type Batch struct {
	Height, Width int
	Indices       []int
}

// VariableBatchSampler produces the multi-scale batch schedule for a dataset
// of a fixed number of samples.
//
// It is created with New and configured by chaining the configuration methods.
// The first call to EpochBatches freezes the configuration; changing it
// afterwards panics. The sampler is not safe for concurrent use; datasets
// serialize access to it.
//
// All replicas of a distributed run must use the same seed and configuration:
// each derives the identical shuffle and scale draws, and takes its own slice
// of the index stream.
type VariableBatchSampler struct {
	numSamples int
	batchSize  int

	baseH, baseW int
	minH, maxH   int
	minW, maxW   int
	maxScales    int
	divisor      int

	scaleInc             bool
	growthEpochs         []int
	minFactor, maxFactor float64

	eval    bool
	shuffle bool

	numReplicas, rank int
	seed              uint64

	frozen bool
	scales []Scale
}

// DefaultBaseSize is the default base crop resolution, for both axes.
const DefaultBaseSize = 256

// New creates a training-mode sampler over numSamples samples with the given
// base batch size.
//
// Defaults: base crop 256x256, crop bounds 160..320 on both axes, at most 5
// scales rounded to multiples of 32, shuffling on, scale growth off, single
// replica. Configure by chaining, e.g.:
//
//	s := sampler.New(len(ds), 32).
//		BaseCrop(224, 224).
//		ScaleIncrease(0.25, 0.25, 40, 80)
func New(numSamples, batchSize int) *VariableBatchSampler {
	if numSamples < 0 {
		Panicf("sampler.New: numSamples must be >= 0, got %d", numSamples)
	}
	if batchSize <= 0 {
		Panicf("sampler.New: batchSize must be > 0, got %d", batchSize)
	}
	return &VariableBatchSampler{
		numSamples:   numSamples,
		batchSize:    batchSize,
		baseH:        DefaultBaseSize,
		baseW:        DefaultBaseSize,
		minH:         160,
		maxH:         320,
		minW:         160,
		maxW:         320,
		maxScales:    5,
		divisor:      32,
		growthEpochs: []int{40},
		minFactor:    1.0,
		maxFactor:    1.0,
		shuffle:      true,
		numReplicas:  1,
	}
}

func (s *VariableBatchSampler) assertMutable() {
	if s.frozen {
		Panicf("cannot configure a VariableBatchSampler that already produced batches")
	}
}

// BaseCrop sets the base training resolution. Default is 256x256.
// It returns the sampler to allow cascading configuration calls.
func (s *VariableBatchSampler) BaseCrop(h, w int) *VariableBatchSampler {
	s.assertMutable()
	if h <= 0 || w <= 0 {
		Panicf("BaseCrop dimensions must be > 0, got h=%d, w=%d", h, w)
	}
	s.baseH, s.baseW = h, w
	s.scales = nil
	return s
}

// HeightBounds sets the range sampled crop heights are drawn from.
// Default is 160..320.
func (s *VariableBatchSampler) HeightBounds(minH, maxH int) *VariableBatchSampler {
	s.assertMutable()
	if minH <= 0 || maxH < minH {
		Panicf("HeightBounds requires 0 < min <= max, got %d..%d", minH, maxH)
	}
	s.minH, s.maxH = minH, maxH
	s.scales = nil
	return s
}

// WidthBounds sets the range sampled crop widths are drawn from.
// Default is 160..320.
func (s *VariableBatchSampler) WidthBounds(minW, maxW int) *VariableBatchSampler {
	s.assertMutable()
	if minW <= 0 || maxW < minW {
		Panicf("WidthBounds requires 0 < min <= max, got %d..%d", minW, maxW)
	}
	s.minW, s.maxW = minW, maxW
	s.scales = nil
	return s
}

// MaxScales sets how many candidate dimensions are sampled per axis
// (the base dimensions are always included). Default is 5.
func (s *VariableBatchSampler) MaxScales(n int) *VariableBatchSampler {
	s.assertMutable()
	if n < 1 {
		Panicf("MaxScales must be >= 1, got %d", n)
	}
	s.maxScales = n
	s.scales = nil
	return s
}

// ScaleDivisor sets the factor every sampled dimension is rounded to a
// multiple of. Networks that downsample by a total stride of 32 need image
// sizes divisible by 32, the default.
func (s *VariableBatchSampler) ScaleDivisor(d int) *VariableBatchSampler {
	s.assertMutable()
	if d < 1 {
		Panicf("ScaleDivisor must be >= 1, got %d", d)
	}
	s.divisor = d
	s.scales = nil
	return s
}

// ScaleIncrease enables crop-bound growth: at each epoch in epochs (default
// 40), UpdateScales grows the minimum bounds by int(bound*minFactor) and the
// maximum bounds by int(bound*maxFactor), then recomputes the scale set.
func (s *VariableBatchSampler) ScaleIncrease(minFactor, maxFactor float64, epochs ...int) *VariableBatchSampler {
	s.assertMutable()
	if minFactor < 0 || maxFactor < 0 {
		Panicf("ScaleIncrease factors must be >= 0, got min=%g, max=%g", minFactor, maxFactor)
	}
	s.scaleInc = true
	s.minFactor, s.maxFactor = minFactor, maxFactor
	if len(epochs) > 0 {
		s.growthEpochs = slices.Clone(epochs)
	}
	return s
}

// Eval switches to evaluation mode: a single scale at the base crop and batch
// size, and no shuffling.
func (s *VariableBatchSampler) Eval() *VariableBatchSampler {
	s.assertMutable()
	s.eval = true
	s.shuffle = false
	s.scales = nil
	return s
}

// Shuffle sets whether each epoch's indices are shuffled. Defaults to true in
// training mode and false after Eval.
func (s *VariableBatchSampler) Shuffle(on bool) *VariableBatchSampler {
	s.assertMutable()
	s.shuffle = on
	return s
}

// Distributed shards the schedule across numReplicas replicas, this sampler
// serving the given rank. The epoch's shuffled index list is padded by
// wrap-around to a multiple of numReplicas, and rank r takes indices
// r, r+numReplicas, r+2*numReplicas, ...
func (s *VariableBatchSampler) Distributed(numReplicas, rank int) *VariableBatchSampler {
	s.assertMutable()
	if numReplicas < 1 {
		Panicf("Distributed requires numReplicas >= 1, got %d", numReplicas)
	}
	if rank < 0 || rank >= numReplicas {
		Panicf("Distributed requires 0 <= rank < numReplicas, got rank=%d, numReplicas=%d", rank, numReplicas)
	}
	if s.numSamples > 0 && numReplicas > s.numSamples {
		Panicf("Distributed requires numReplicas <= numSamples, got %d replicas for %d samples",
			numReplicas, s.numSamples)
	}
	s.numReplicas, s.rank = numReplicas, rank
	return s
}

// Seed sets the base RNG seed, combined with the epoch number to derive each
// epoch's stream. All replicas must use the same seed. Default is 0.
func (s *VariableBatchSampler) Seed(seed uint64) *VariableBatchSampler {
	s.assertMutable()
	s.seed = seed
	return s
}

// NumSamples returns the number of samples the sampler schedules over.
func (s *VariableBatchSampler) NumSamples() int { return s.numSamples }

// BatchSize returns the base batch size, used at the base resolution.
func (s *VariableBatchSampler) BatchSize() int { return s.batchSize }

// BaseCropSize returns the base crop resolution.
func (s *VariableBatchSampler) BaseCropSize() (h, w int) { return s.baseH, s.baseW }

// Scales returns the current sorted scale set. In evaluation mode it is the
// single base configuration; in training mode it is derived from the crop
// bounds, see batchScales.
func (s *VariableBatchSampler) Scales() []Scale {
	if s.scales == nil {
		if s.eval {
			s.scales = []Scale{{Height: s.baseH, Width: s.baseW, BatchSize: s.batchSize}}
		} else {
			s.scales = batchScales(s.baseH, s.baseW, s.batchSize,
				s.maxScales, s.divisor, s.minH, s.maxH, s.minW, s.maxW)
		}
	}
	return s.scales
}

// EpochBatches returns the batch schedule for the given epoch.
//
// The schedule is deterministic in (configuration, seed, epoch): indices
// 0..numSamples are shuffled (if enabled) with an RNG seeded by (seed, epoch),
// padded by wrap-around to a multiple of numReplicas, and this replica's
// subsequence is cut into batches front to back. Each batch's scale is drawn
// from Scales with the same RNG, so replicas agree on every draw. A short
// final batch is topped up from the front of the replica's subsequence.
func (s *VariableBatchSampler) EpochBatches(epoch int) iter.Seq[Batch] {
	s.frozen = true
	scales := s.Scales()
	return func(yield func(Batch) bool) {
		if s.numSamples == 0 {
			return
		}
		rng := rand.New(rand.NewPCG(s.seed, uint64(epoch)))
		indices := xslices.Iota(0, s.numSamples)
		if s.shuffle {
			rng.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}

		perReplica := (s.numSamples + s.numReplicas - 1) / s.numReplicas
		total := perReplica * s.numReplicas
		if total > s.numSamples {
			indices = append(indices, indices[:total-s.numSamples]...)
		}
		mine := indices
		if s.numReplicas > 1 {
			mine = make([]int, 0, perReplica)
			for ii := s.rank; ii < total; ii += s.numReplicas {
				mine = append(mine, indices[ii])
			}
		}

		for start := 0; start < len(mine); {
			scale := scales[rng.IntN(len(scales))]
			end := min(start+scale.BatchSize, len(mine))
			batch := Batch{
				Height:  scale.Height,
				Width:   scale.Width,
				Indices: slices.Clone(mine[start:end]),
			}
			if short := scale.BatchSize - len(batch.Indices); short > 0 {
				// Wrap around once; tiny datasets may still come up short.
				batch.Indices = append(batch.Indices, mine[:min(short, len(mine))]...)
			}
			start += scale.BatchSize
			if !yield(batch) {
				return
			}
		}
	}
}

// UpdateScales grows the crop bounds if epoch is one of the configured growth
// epochs and growth was enabled with ScaleIncrease. It returns whether the
// scale set changed. Only rank 0 logs the new scales.
func (s *VariableBatchSampler) UpdateScales(epoch int) bool {
	if !s.scaleInc || s.eval || !slices.Contains(s.growthEpochs, epoch) {
		return false
	}
	s.minW += int(float64(s.minW) * s.minFactor)
	s.maxW += int(float64(s.maxW) * s.maxFactor)
	s.minH += int(float64(s.minH) * s.minFactor)
	s.maxH += int(float64(s.maxH) * s.maxFactor)
	s.scales = nil
	if s.rank == 0 {
		klog.Infof("VariableBatchSampler: scales updated at epoch %d, new scales: %v", epoch, s.Scales())
	}
	return true
}

// String returns a multi-line description of the sampler.
func (s *VariableBatchSampler) String() string {
	mode := "training"
	if s.eval {
		mode = "evaluation"
	}
	parts := make([]string, 0, 6)
	parts = append(parts, fmt.Sprintf("VariableBatchSampler (%s): %s samples, base batch size %d",
		mode, humanize.Comma(int64(s.numSamples)), s.batchSize))
	parts = append(parts, fmt.Sprintf("\tbase crop: %dx%d", s.baseH, s.baseW))
	if !s.eval {
		parts = append(parts, fmt.Sprintf("\tcrop bounds: h=%d..%d, w=%d..%d (multiples of %d, at most %d scales)",
			s.minH, s.maxH, s.minW, s.maxW, s.divisor, s.maxScales))
	}
	parts = append(parts, fmt.Sprintf("\tscales: %s",
		strings.Join(xslices.Map(s.Scales(), Scale.String), ", ")))
	if s.scaleInc {
		parts = append(parts, fmt.Sprintf("\tscale growth at epochs %v: min factor %g, max factor %g",
			s.growthEpochs, s.minFactor, s.maxFactor))
	}
	if s.numReplicas > 1 {
		parts = append(parts, fmt.Sprintf("\treplica %d of %d", s.rank, s.numReplicas))
	}
	return strings.Join(parts, "\n")
}
