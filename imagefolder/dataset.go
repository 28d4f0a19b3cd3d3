package imagefolder

import (
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imagefeed/sampler"
	"github.com/gomlx/imagefeed/transforms"
)

// DefaultBatchSize is the base batch size of the default sampler, used when no
// sampler is configured with WithSampler.
const DefaultBatchSize = 32

// TransformBuilder builds the augmentation pipeline for a batch at the given
// crop size. The sampler draws a new (height, width) for every batch, so the
// dataset rebuilds the pipeline per batch; transforms are small structs and
// this costs nothing.
type TransformBuilder func(h, w int) transforms.Transform

// Dataset yields multi-scale batches of images from an ImageNet-style tree.
//
// It is created with New (training mode) or NewValidation and configured by
// chaining the configuration methods; the first Yield freezes the
// configuration, changing it afterwards panics.
type Dataset struct {
	root string

	validation     bool
	vbs            *sampler.VariableBatchSampler
	buildTransform TransformBuilder
	bitPlanes      int
	cropRatio      float64
	dtype          dtypes.DType
	toTensor       *timages.ToTensorConfig

	classes []string

	frozen bool

	// mu guards everything below plus samples, so Yield is safe for
	// concurrent use -- e.g. under datasets.Parallel.
	mu           sync.Mutex
	samples      []Sample
	rng          *rand.Rand
	epoch        int
	started      bool
	schedule     []sampler.Batch
	scheduleNext int
}

var _ train.Dataset = &Dataset{}

// New creates a training-mode Dataset from the ImageNet-style tree at root.
//
// Samples come from `<root>/../train_map.txt` when that file exists, otherwise
// from walking the class subdirectories. Configure by chaining, e.g.:
//
//	ds, err := imagefolder.New("~/imagenet/train")
//	if err != nil { ... }
//	ds.WithSampler(sampler.New(ds.NumSamples(), 128).BaseCrop(224, 224))
func New(root string) (*Dataset, error) {
	return newDataset(root, false)
}

// NewValidation creates a validation-mode Dataset: samples come from
// `<root>/../val_map.txt` (when present), the default pipeline is the resize
// plus center-crop one, and the default sampler serves only the base crop, in
// order and unshuffled.
func NewValidation(root string) (*Dataset, error) {
	return newDataset(root, true)
}

func newDataset(root string, validation bool) (*Dataset, error) {
	root = fsutil.MustReplaceTildeInDir(root)
	ds := &Dataset{
		root:       root,
		validation: validation,
		cropRatio:  transforms.DefaultCropRatio,
		dtype:      dtypes.Float32,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	if err := ds.resolveSamples(); err != nil {
		return nil, err
	}
	return ds, nil
}

// resolveSamples (re-)reads the class names and the sample list. The map file
// of the current mode takes precedence over the directory walk.
func (ds *Dataset) resolveSamples() error {
	classes, err := scanClasses(ds.root)
	if err != nil {
		return err
	}
	ds.classes = classes

	mapName := TrainMapFile
	if ds.validation {
		mapName = ValMapFile
	}
	mapPath := filepath.Join(ds.root, "..", mapName)
	if fsutil.MustFileExists(mapPath) {
		samples, maxLabel, err := loadMapFile(ds.root, mapPath)
		if err != nil {
			return err
		}
		ds.samples = samples
		// Map files may label classes beyond the subdirectory scan.
		for int32(len(ds.classes)) <= maxLabel {
			ds.classes = append(ds.classes, fmt.Sprintf("class_%d", len(ds.classes)))
		}
		return nil
	}

	if len(classes) == 0 {
		return errors.Errorf("dataset root %q has no class subdirectories and no %s next to it", ds.root, mapName)
	}
	ds.samples, err = scanSamples(ds.root, classes)
	if err != nil {
		return err
	}
	if len(ds.samples) == 0 {
		return errors.Errorf("dataset root %q holds no image files in its %d class subdirectories",
			ds.root, len(classes))
	}
	return nil
}

func (ds *Dataset) assertMutable() {
	if ds.frozen {
		Panicf("cannot configure an imagefolder.Dataset that already yielded batches")
	}
}

// WithSampler sets the batch sampler. It must be built over exactly
// NumSamples() samples. When omitted, a default sampler with base batch size
// DefaultBatchSize is created on first use.
func (ds *Dataset) WithSampler(s *sampler.VariableBatchSampler) *Dataset {
	ds.assertMutable()
	ds.vbs = s
	return ds
}

// WithTransforms replaces the default augmentation pipelines. The builder is
// called once per batch with the batch's crop size, and every image it returns
// must have exactly that size, or the batch cannot be stacked into one tensor.
func (ds *Dataset) WithTransforms(build TransformBuilder) *Dataset {
	ds.assertMutable()
	ds.buildTransform = build
	return ds
}

// BitPlanes appends bit-plane slicing, keeping the n most significant planes
// of each channel, to the default pipelines. See transforms.BitPlane.
func (ds *Dataset) BitPlanes(n int) *Dataset {
	ds.assertMutable()
	if n < 1 || n > 8 {
		Panicf("BitPlanes requires n in 1..8, got %d", n)
	}
	ds.bitPlanes = n
	return ds
}

// CropRatio sets the ratio between the crop size and the resize size of the
// default validation pipeline. Default is 0.875 (224/256).
func (ds *Dataset) CropRatio(r float64) *Dataset {
	ds.assertMutable()
	ds.cropRatio = r
	return ds
}

// WithDType sets the dtype of the yielded images tensor. Default is Float32,
// with channel values scaled to 0..1; integer dtypes scale to 0..255.
func (ds *Dataset) WithDType(dtype dtypes.DType) *Dataset {
	ds.assertMutable()
	ds.dtype = dtype
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string {
	if ds.validation {
		return filepath.Base(ds.root) + "-valid"
	}
	return filepath.Base(ds.root) + "-train"
}

// NumClasses returns the number of classes.
func (ds *Dataset) NumClasses() int { return len(ds.classes) }

// Classes returns the class names; labels index into it.
func (ds *Dataset) Classes() []string { return ds.classes }

// NumSamples returns the current number of samples. It shrinks when corrupt
// images are found and dropped.
func (ds *Dataset) NumSamples() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.samples)
}

// ClassCounts returns the number of samples of each class, indexed like
// Classes.
func (ds *Dataset) ClassCounts() []int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	counts := make([]int, len(ds.classes))
	for _, sample := range ds.samples {
		if int(sample.Label) < len(counts) {
			counts[sample.Label]++
		}
	}
	return counts
}

// Epoch returns the current epoch number. It starts at 0 and each Reset
// advances it.
func (ds *Dataset) Epoch() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.epoch
}

// Sampler returns the batch sampler, creating the default one if none was
// configured yet.
func (ds *Dataset) Sampler() *sampler.VariableBatchSampler {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.ensureSamplerLocked()
	return ds.vbs
}

func (ds *Dataset) ensureSamplerLocked() {
	if ds.vbs != nil {
		return
	}
	ds.vbs = sampler.New(len(ds.samples), DefaultBatchSize)
	if ds.validation {
		ds.vbs.Eval()
	}
}

// freezeLocked completes the configuration on first use.
func (ds *Dataset) freezeLocked() {
	if ds.frozen {
		return
	}
	ds.ensureSamplerLocked()
	if ds.vbs.NumSamples() != len(ds.samples) {
		Panicf("sampler schedules %d samples, but dataset %q has %d",
			ds.vbs.NumSamples(), ds.Name(), len(ds.samples))
	}
	if ds.buildTransform == nil {
		ds.buildTransform = ds.defaultTransforms()
	}
	ds.toTensor = timages.ToTensor(ds.dtype)
	ds.frozen = true
}

// defaultTransforms returns the standard training or validation pipeline
// builder, with bit-plane slicing appended when configured.
func (ds *Dataset) defaultTransforms() TransformBuilder {
	if ds.validation {
		return func(h, w int) transforms.Transform {
			size := min(h, w)
			if ds.bitPlanes > 0 {
				return transforms.ValidationBitPlane(size, ds.cropRatio, ds.bitPlanes)
			}
			return transforms.Validation(size, ds.cropRatio)
		}
	}
	return func(h, w int) transforms.Transform {
		if ds.bitPlanes > 0 {
			return transforms.TrainingBitPlane(h, w, ds.bitPlanes)
		}
		return transforms.Training(h, w)
	}
}

// startEpochLocked draws the current epoch's batch schedule.
func (ds *Dataset) startEpochLocked() {
	ds.schedule = slices.Collect(ds.vbs.EpochBatches(ds.epoch))
	ds.scheduleNext = 0
	ds.started = true
}

// Yield implements train.Dataset.
//
// It loads the next batch of the epoch's schedule at that batch's sampled
// resolution and returns:
//
//   - spec: the Dataset pointer;
//   - inputs[0]: the images, shaped [batchSize, height, width, 3] with the
//     configured dtype;
//   - inputs[1]: the sample indices, int32 shaped [batchSize];
//   - labels[0]: the class indices, int32 shaped [batchSize].
//
// After the last batch it returns io.EOF; Reset starts the next epoch. Batch
// sizes vary across yields (larger batches at smaller resolutions), but the
// number of distinct shapes is bounded by the sampler's scale set, keeping the
// number of JIT-compiled graphs small.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.freezeLocked()
	if !ds.started {
		ds.startEpochLocked()
	}
	if ds.scheduleNext >= len(ds.schedule) {
		return nil, nil, nil, io.EOF
	}
	batch := ds.schedule[ds.scheduleNext]
	ds.scheduleNext++

	transform := ds.buildTransform(batch.Height, batch.Width)
	imgs := make([]image.Image, len(batch.Indices))
	indices := make([]int32, len(batch.Indices))
	labelValues := make([]int32, len(batch.Indices))
	for ii, sampleIdx := range batch.Indices {
		img, label := ds.loadSampleLocked(sampleIdx, batch.Height, batch.Width)
		imgs[ii] = transform.Apply(img, ds.rng)
		indices[ii] = int32(sampleIdx)
		labelValues[ii] = label
	}

	spec = ds
	inputs = []*tensors.Tensor{ds.toTensor.Batch(imgs), tensors.FromValue(indices)}
	labels = []*tensors.Tensor{tensors.FromValue(labelValues)}
	return
}

// loadSampleLocked reads the image of one sample. A sample that fails to open
// or decode is removed from the sample list -- shifting the indices of the
// samples after it until the next epoch -- and replaced by an all-black
// h x w image with its recorded label. Indices past the end of the shrunken
// list also map to the black image, with label 0.
func (ds *Dataset) loadSampleLocked(sampleIdx, h, w int) (image.Image, int32) {
	if sampleIdx >= len(ds.samples) {
		klog.Warningf("sample index %d beyond the %d samples left after corrupt-sample removals, feeding a zero image",
			sampleIdx, len(ds.samples))
		return zeroImage(h, w), 0
	}
	sample := ds.samples[sampleIdx]
	img, err := loadImage(sample.Path)
	if err != nil {
		klog.Warningf("sample %d (%s) is possibly corrupt, removing it from the sample list: %v",
			sampleIdx, sample.Path, err)
		ds.samples = slices.Delete(ds.samples, sampleIdx, sampleIdx+1)
		return zeroImage(h, w), sample.Label
	}
	return img, sample.Label
}

// Reset implements train.Dataset: it starts the next epoch. The epoch counter
// advances, the sampler's crop bounds grow if this is one of its configured
// growth epochs, and a fresh schedule is drawn.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.started {
		// The first epoch starts on the first Yield.
		return
	}
	ds.epoch++
	ds.vbs.UpdateScales(ds.epoch)
	ds.startEpochLocked()
}

// String returns a multi-line description of the dataset.
func (ds *Dataset) String() string {
	mode := "training"
	if ds.validation {
		mode = "validation"
	}
	baseH, baseW := sampler.DefaultBaseSize, sampler.DefaultBaseSize
	if ds.vbs != nil {
		baseH, baseW = ds.vbs.BaseCropSize()
	}
	build := ds.buildTransform
	if build == nil {
		build = ds.defaultTransforms()
	}
	return fmt.Sprintf("Dataset %q (%s):\n\troot: %s\n\tsamples: %s\n\tclasses: %s\n\ttransforms at %dx%d: %v",
		ds.Name(), mode, ds.root,
		humanize.Comma(int64(ds.NumSamples())), humanize.Comma(int64(len(ds.classes))),
		baseH, baseW, build(baseH, baseW))
}
