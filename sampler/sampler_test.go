package sampler

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeDivisible(t *testing.T) {
	// Rounding to the nearest multiple of 32.
	assert.Equal(t, 160, MakeDivisible(160, 32))
	assert.Equal(t, 192, MakeDivisible(200, 32))
	assert.Equal(t, 256, MakeDivisible(240, 32))
	assert.Equal(t, 288, MakeDivisible(280, 32))
	assert.Equal(t, 320, MakeDivisible(320, 32))
	assert.Equal(t, 96, MakeDivisible(100, 32))

	// Never rounds below 90% of v.
	assert.Equal(t, 64, MakeDivisible(39, 32))

	// Floors at the divisor by default, or at the explicit minimum.
	assert.Equal(t, 32, MakeDivisible(10, 32))
	assert.Equal(t, 4, MakeDivisible(2, 8, 4))
}

func TestScales(t *testing.T) {
	// Defaults: base 256x256, bounds 160..320, 5 scales, multiples of 32.
	// Candidates 160, 200, 240, 280, 320 (plus the base 256) round to
	// 160, 192, 256, 288, 320, 256, deduplicating to five scales. The pixel
	// budget is 256*256*32.
	s := New(1000, 32)
	want := []Scale{
		{160, 160, 81},
		{192, 192, 56},
		{256, 256, 32},
		{288, 288, 32},
		{320, 320, 32},
	}
	assert.Equal(t, want, s.Scales())
	fmt.Printf("default scales: %v\n", s.Scales())

	// Base 224x224 at batch 128: the base is appended to the candidates on
	// both axes, giving six distinct scales.
	s = New(1000, 128).BaseCrop(224, 224)
	want = []Scale{
		{160, 160, 250},
		{192, 192, 174},
		{224, 224, 128},
		{256, 256, 128},
		{288, 288, 128},
		{320, 320, 128},
	}
	assert.Equal(t, want, s.Scales())
}

func TestScalesPairingDropsUnmatchedBase(t *testing.T) {
	// Base width 200 is already a candidate, base height 256 is not: the
	// appended height has no width to pair with and is dropped, so the
	// rounded base pair (256, 192) never enters the set.
	s := New(1000, 32).BaseCrop(256, 200)
	want := []Scale{
		{160, 160, 64},
		{192, 192, 44},
		{256, 256, 32},
		{288, 288, 32},
		{320, 320, 32},
	}
	assert.Equal(t, want, s.Scales())
}

func TestScalesMaxScalesOne(t *testing.T) {
	// A single candidate per axis: the minimum bound, plus the appended base.
	s := New(1000, 32).MaxScales(1)
	want := []Scale{
		{160, 160, 81},
		{256, 256, 32},
	}
	assert.Equal(t, want, s.Scales())
}

func TestScalesEval(t *testing.T) {
	// Evaluation mode uses exactly the base configuration, unrounded.
	s := New(100, 7).BaseCrop(230, 230).Eval()
	assert.Equal(t, []Scale{{230, 230, 7}}, s.Scales())
}

// singleScaleSampler builds a sampler with exactly one scale (64x64) so batch
// cutting is fully predictable.
func singleScaleSampler(numSamples, batchSize int) *VariableBatchSampler {
	return New(numSamples, batchSize).
		BaseCrop(64, 64).
		HeightBounds(64, 64).
		WidthBounds(64, 64).
		MaxScales(1).
		Shuffle(false)
}

func TestEpochBatchesWrapAround(t *testing.T) {
	s := singleScaleSampler(10, 4)
	require.Equal(t, []Scale{{64, 64, 4}}, s.Scales())

	batches := slices.Collect(s.EpochBatches(0))
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1, 2, 3}, batches[0].Indices)
	assert.Equal(t, []int{4, 5, 6, 7}, batches[1].Indices)
	// The short final batch wraps around to the front.
	assert.Equal(t, []int{8, 9, 0, 1}, batches[2].Indices)
	for _, batch := range batches {
		assert.Equal(t, 64, batch.Height)
		assert.Equal(t, 64, batch.Width)
	}
}

func TestEpochBatchesTinyDataset(t *testing.T) {
	// Fewer samples than one batch: the wrap-around tops up with at most one
	// extra pass over the sequence, so the only batch stays short.
	s := singleScaleSampler(3, 8)
	batches := slices.Collect(s.EpochBatches(0))
	require.Len(t, batches, 1)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, batches[0].Indices)
}

func TestEpochBatchesDeterminism(t *testing.T) {
	s := New(100, 10).Seed(42)
	first := slices.Collect(s.EpochBatches(3))
	second := slices.Collect(s.EpochBatches(3))
	require.Equal(t, first, second)

	// A different epoch reshuffles.
	other := slices.Collect(s.EpochBatches(4))
	assert.NotEqual(t, first, other)
}

func TestEpochBatchesCoverage(t *testing.T) {
	s := New(100, 10)
	scaleToBatchSize := make(map[[2]int]int)
	for _, scale := range s.Scales() {
		scaleToBatchSize[[2]int{scale.Height, scale.Width}] = scale.BatchSize
	}

	seen := make(map[int]bool)
	for batch := range s.EpochBatches(1) {
		wantSize, ok := scaleToBatchSize[[2]int{batch.Height, batch.Width}]
		require.Truef(t, ok, "batch at unknown scale %dx%d", batch.Height, batch.Width)
		assert.Lenf(t, batch.Indices, wantSize,
			"batch at %dx%d should have %d indices", batch.Height, batch.Width, wantSize)
		for _, idx := range batch.Indices {
			require.GreaterOrEqual(t, idx, 0)
			require.Less(t, idx, 100)
			seen[idx] = true
		}
	}
	assert.Len(t, seen, 100, "every sample must be scheduled at least once")
}

func TestEpochBatchesEmpty(t *testing.T) {
	s := New(0, 4)
	batches := slices.Collect(s.EpochBatches(0))
	assert.Empty(t, batches)
}

func TestDistributed(t *testing.T) {
	// 10 samples over 2 replicas, no shuffling: rank 0 takes the even
	// positions, rank 1 the odd ones.
	rank0 := slices.Collect(singleScaleSampler(10, 2).Distributed(2, 0).EpochBatches(0))
	rank1 := slices.Collect(singleScaleSampler(10, 2).Distributed(2, 1).EpochBatches(0))
	require.Len(t, rank0, 3)
	require.Len(t, rank1, 3)
	assert.Equal(t, []int{0, 2}, rank0[0].Indices)
	assert.Equal(t, []int{4, 6}, rank0[1].Indices)
	assert.Equal(t, []int{8, 0}, rank0[2].Indices)
	assert.Equal(t, []int{1, 3}, rank1[0].Indices)
	assert.Equal(t, []int{5, 7}, rank1[1].Indices)
	assert.Equal(t, []int{9, 1}, rank1[2].Indices)
}

func TestDistributedPadding(t *testing.T) {
	// 5 samples over 2 replicas: the index list is padded by wrap-around to 6.
	rank0 := slices.Collect(singleScaleSampler(5, 3).Distributed(2, 0).EpochBatches(0))
	rank1 := slices.Collect(singleScaleSampler(5, 3).Distributed(2, 1).EpochBatches(0))
	require.Len(t, rank0, 1)
	require.Len(t, rank1, 1)
	assert.Equal(t, []int{0, 2, 4}, rank0[0].Indices)
	assert.Equal(t, []int{1, 3, 0}, rank1[0].Indices)
}

func TestDistributedReplicasAgreeOnScales(t *testing.T) {
	// With the same seed, every replica draws the same scale sequence, so all
	// ranks build gradient steps with matching shapes.
	newRank := func(rank int) *VariableBatchSampler {
		return New(64, 8).Seed(17).Distributed(2, rank)
	}
	var sizes [2][][2]int
	var indices [2][]int
	for rank := range 2 {
		for batch := range newRank(rank).EpochBatches(5) {
			sizes[rank] = append(sizes[rank], [2]int{batch.Height, batch.Width})
			indices[rank] = append(indices[rank], batch.Indices...)
		}
	}
	require.Equal(t, sizes[0], sizes[1])

	// Together the replicas cover the whole dataset.
	seen := make(map[int]bool)
	for rank := range 2 {
		for _, idx := range indices[rank] {
			seen[idx] = true
		}
	}
	assert.Len(t, seen, 64)
}

func TestUpdateScales(t *testing.T) {
	s := New(1000, 32).ScaleIncrease(0.25, 0.25, 2)

	// Not a growth epoch.
	assert.False(t, s.UpdateScales(1))
	assert.Equal(t, 160, s.minW)
	assert.Equal(t, 320, s.maxW)

	// Growth epoch: bounds grow to 200..400 on both axes and the scale set is
	// recomputed (candidates 200, 250, 300, 350, 400 plus base 256).
	require.True(t, s.UpdateScales(2))
	assert.Equal(t, 200, s.minW)
	assert.Equal(t, 400, s.maxW)
	assert.Equal(t, 200, s.minH)
	assert.Equal(t, 400, s.maxH)
	want := []Scale{
		{192, 192, 56},
		{256, 256, 32},
		{288, 288, 32},
		{352, 352, 32},
		{416, 416, 32},
	}
	assert.Equal(t, want, s.Scales())

	// Epoch 3 is not a growth epoch.
	assert.False(t, s.UpdateScales(3))
}

func TestUpdateScalesDisabled(t *testing.T) {
	s := New(1000, 32)
	assert.False(t, s.UpdateScales(40), "growth disabled without ScaleIncrease")

	sEval := New(1000, 32).Eval()
	assert.False(t, sEval.UpdateScales(40), "evaluation samplers never grow")
	assert.Equal(t, []Scale{{256, 256, 32}}, sEval.Scales())
}

func TestFrozenAfterUse(t *testing.T) {
	s := New(10, 2)
	for range s.EpochBatches(0) {
		break
	}
	assert.Panics(t, func() { s.BaseCrop(128, 128) })
	assert.Panics(t, func() { s.Shuffle(false) })
}

func TestConfigValidation(t *testing.T) {
	assert.Panics(t, func() { New(-1, 4) })
	assert.Panics(t, func() { New(10, 0) })
	assert.Panics(t, func() { New(10, 4).HeightBounds(320, 160) })
	assert.Panics(t, func() { New(10, 4).MaxScales(0) })
	assert.Panics(t, func() { New(10, 4).Distributed(0, 0) })
	assert.Panics(t, func() { New(10, 4).Distributed(2, 2) })
	assert.Panics(t, func() { New(4, 4).Distributed(8, 0) })
}

func TestEvalBatchesSequential(t *testing.T) {
	s := New(7, 3).BaseCrop(96, 96).Eval()
	batches := slices.Collect(s.EpochBatches(0))
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1, 2}, batches[0].Indices)
	assert.Equal(t, []int{3, 4, 5}, batches[1].Indices)
	assert.Equal(t, []int{6, 0, 1}, batches[2].Indices)
	for _, batch := range batches {
		assert.Equal(t, 96, batch.Height)
		assert.Equal(t, 96, batch.Width)
	}
}

func TestString(t *testing.T) {
	s := New(50000, 32).ScaleIncrease(0.25, 0.25, 40, 80)
	desc := s.String()
	assert.Contains(t, desc, "50,000 samples")
	assert.Contains(t, desc, "base crop: 256x256")
	assert.Contains(t, desc, "scale growth at epochs [40 80]")
	fmt.Println(desc)
}
