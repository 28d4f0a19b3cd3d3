// imagefeed inspects and benchmarks multi-scale image feeding pipelines.
//
// It reports the batch schedules a sampler configuration produces across
// epochs (-scales), summarizes an ImageNet-style dataset directory (-stats)
// and measures how fast batches can be fed out of it (-bench).
//
// Examples:
//
//	imagefeed -scales -scale_inc -inc_epochs=20,40 -epochs=0,20,40
//	imagefeed -stats ~/imagenet/train
//	imagefeed -bench=100 -parallel -crop=224 ~/imagenet/train
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/imagefeed/imagefolder"
	"github.com/gomlx/imagefeed/sampler"
	"github.com/gomlx/imagefeed/transforms"
)

var (
	flagScales = flag.Bool("scales", false, "Report the scale sets the sampler configuration produces, "+
		"at each of the epochs given by -epochs. It works without a dataset directory, assuming -samples samples.")
	flagEpochs = xslices.Flag("epochs", []int{0}, "Comma-separated list of epochs to report scale sets at, with -scales. "+
		"Intermediate epochs are still stepped through, so growth scheduled between the reported epochs takes effect.",
		strconv.Atoi)
	flagStats = flag.Bool("stats", false, "Summarize the dataset directory: sample and class counts, "+
		"per-class distribution and the configured pipeline.")
	flagBench = flag.Int("bench", 0, "Feed this many batches out of the dataset directory and report the throughput. "+
		"The epoch is restarted as needed.")
	flagParallel = flag.Bool("parallel", false, "Feed -bench batches through parallel worker goroutines.")

	flagValidation = flag.Bool("val", false, "Treat the dataset directory as a validation split: samples come from "+
		"val_map.txt when present, images are center-cropped and served in order at the base crop only.")
	flagSamples = flag.Int("samples", 1281167, "Number of samples to assume for -scales when no dataset "+
		"directory is given. The default is the ImageNet-1k training split size.")
	flagDType = flag.String("dtype", "float32", "DType of the image tensors: float values are scaled to 0..1, "+
		"integer values to 0..255.")
	flagBitPlanes = flag.Int("bit_planes", 0, "Quantize images to this many most-significant bit planes per "+
		"channel, 1 to 8. 0 disables quantization.")
	flagCropRatio = flag.Float64("crop_ratio", transforms.DefaultCropRatio, "Ratio between the crop size and the "+
		"pre-crop resize size of the validation pipeline.")

	flagBatch = flag.Int("batch", 32, "Batch size at the base crop size. Batches at smaller crops grow to keep "+
		"the total pixel count close to the base configuration.")
	flagCrop      = flag.Int("crop", sampler.DefaultBaseSize, "Base crop size, used for both axes.")
	flagMinCrop   = flag.Int("min_crop", 160, "Smallest crop size sampled, both axes.")
	flagMaxCrop   = flag.Int("max_crop", 320, "Largest crop size sampled, both axes.")
	flagMaxScales = flag.Int("max_scales", 5, "How many candidate crop sizes are sampled per axis.")
	flagDivisor   = flag.Int("divisor", 32, "Crop sizes are rounded to multiples of this, typically the "+
		"network's total stride.")
	flagScaleInc  = flag.Bool("scale_inc", false, "Grow the crop bounds at the epochs given by -inc_epochs.")
	flagIncEpochs = xslices.Flag("inc_epochs", []int{40}, "Comma-separated list of epochs at which the crop "+
		"bounds grow, with -scale_inc.", strconv.Atoi)
	flagMinIncFactor = flag.Float64("min_inc_factor", 1.0, "Fraction the minimum crop bounds grow by at "+
		"each growth epoch.")
	flagMaxIncFactor = flag.Float64("max_inc_factor", 1.0, "Fraction the maximum crop bounds grow by at "+
		"each growth epoch.")
	flagSeed     = flag.Uint64("seed", 0, "Seed of the shuffle and scale draws. All replicas must use the same seed.")
	flagReplicas = flag.Int("replicas", 1, "Number of replicas the schedule is sharded across.")
	flagRank     = flag.Int("rank", 0, "Rank of this replica, 0 to -replicas minus 1.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if !*flagScales && !*flagStats && *flagBench == 0 {
		klog.Errorf("Nothing to do: pass at least one of -scales, -stats or -bench. See 'imagefeed -help'.")
		os.Exit(1)
	}
	args := flag.Args()
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'imagefeed -help'.")
		os.Exit(1)
	}
	if len(args) == 0 && (*flagStats || *flagBench > 0) {
		klog.Errorf("Missing dataset directory to read from. See 'imagefeed -help'.")
		os.Exit(1)
	}

	if *flagScales {
		numSamples := *flagSamples
		if len(args) > 0 {
			numSamples = must.M1(newDataset(args[0])).NumSamples()
		}
		reportScales(newSampler(numSamples))
	}
	if *flagStats {
		reportStats(must.M1(newDataset(args[0])))
	}
	if *flagBench > 0 {
		benchmark(must.M1(newDataset(args[0])), *flagBench)
	}
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// newSampler builds the sampler the flags describe over numSamples samples.
func newSampler(numSamples int) *sampler.VariableBatchSampler {
	s := sampler.New(numSamples, *flagBatch).
		BaseCrop(*flagCrop, *flagCrop).
		HeightBounds(*flagMinCrop, *flagMaxCrop).
		WidthBounds(*flagMinCrop, *flagMaxCrop).
		MaxScales(*flagMaxScales).
		ScaleDivisor(*flagDivisor).
		Seed(*flagSeed)
	if *flagScaleInc {
		s.ScaleIncrease(*flagMinIncFactor, *flagMaxIncFactor, (*flagIncEpochs)...)
	}
	if *flagValidation {
		s.Eval()
	}
	if *flagReplicas > 1 {
		s.Distributed(*flagReplicas, *flagRank)
	}
	return s
}

// newDataset builds the dataset the flags describe over the given directory.
func newDataset(root string) (*imagefolder.Dataset, error) {
	var ds *imagefolder.Dataset
	var err error
	if *flagValidation {
		ds, err = imagefolder.NewValidation(root)
	} else {
		ds, err = imagefolder.New(root)
	}
	if err != nil {
		return nil, err
	}
	ds.WithSampler(newSampler(ds.NumSamples())).
		WithDType(must.M1(dtypes.DTypeString(*flagDType))).
		CropRatio(*flagCropRatio)
	if *flagBitPlanes > 0 {
		ds.BitPlanes(*flagBitPlanes)
	}
	return ds, nil
}

// reportScales steps the sampler through the epochs up to the largest one
// requested, printing the scale set at each requested epoch.
func reportScales(s *sampler.VariableBatchSampler) {
	fmt.Println(titleStyle.Render("Sampler"))
	fmt.Println(s.String())

	epochs := slices.Clone(*flagEpochs)
	slices.Sort(epochs)
	epochs = slices.Compact(epochs)
	if len(epochs) == 0 || epochs[0] < 0 {
		klog.Errorf("-epochs must list epochs >= 0, got %v", epochs)
		os.Exit(1)
	}

	for epoch := 0; epoch <= epochs[len(epochs)-1]; epoch++ {
		if epoch > 0 {
			s.UpdateScales(epoch)
		}
		if !slices.Contains(epochs, epoch) {
			continue
		}
		numBatches := 0
		for range s.EpochBatches(epoch) {
			numBatches++
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("Scales at epoch %d (%s batches)",
			epoch, humanize.Comma(int64(numBatches)))))
		table := newPlainTable(true)
		table.Row("Height", "Width", "Batch Size", "Pixels / Batch")
		for _, scale := range s.Scales() {
			table.Row(
				strconv.Itoa(scale.Height),
				strconv.Itoa(scale.Width),
				humanize.Comma(int64(scale.BatchSize)),
				humanize.Comma(int64(scale.Pixels())))
		}
		fmt.Println(table.Render())
	}
}

// maxClassRows caps the per-class table for datasets with many classes.
const maxClassRows = 50

func reportStats(ds *imagefolder.Dataset) {
	fmt.Println(titleStyle.Render("Dataset"))
	fmt.Println(ds.String())
	fmt.Println()
	fmt.Println(ds.Sampler().String())

	classes := ds.Classes()
	counts := ds.ClassCounts()
	fmt.Println(titleStyle.Render("Classes"))
	table := newPlainTable(true)
	table.Row("Label", "Class", "Samples")
	for label, class := range classes {
		if label == maxClassRows {
			table.Row("...", fmt.Sprintf("%d more classes", len(classes)-maxClassRows), "...")
			break
		}
		table.Row(strconv.Itoa(label), class, humanize.Comma(int64(counts[label])))
	}
	fmt.Println(table.Render())

	// The Describe summary of the counts column shows the class balance at a
	// glance: mean, stddev and quartiles of samples per class.
	df := dataframe.New(
		series.New(classes, series.String, "class"),
		series.New(counts, series.Int, "samples"))
	fmt.Println(titleStyle.Render("Class balance"))
	fmt.Println(df.Describe())
}

func benchmark(ds *imagefolder.Dataset, numBatches int) {
	fmt.Println(titleStyle.Render("Benchmark"))
	fmt.Println(ds.String())

	var feed train.Dataset = ds
	if *flagParallel {
		feed = datasets.Parallel(ds)
	}
	// Tensors of a yielded batch are freed when the next one is yielded.
	feed = datasets.Freeing(feed)

	bar := progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription("feeding"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts())

	var numImages int
	var numBytes uint64
	start := time.Now()
	for range numBatches {
		_, inputs, _, err := feed.Yield()
		if err == io.EOF {
			feed.Reset()
			_, inputs, _, err = feed.Yield()
		}
		must.M(err)
		numImages += inputs[1].Shape().Size()
		numBytes += uint64(inputs[0].Shape().Memory())
		_ = bar.Add(1)
	}
	elapsed := time.Since(start)
	_ = bar.Close()
	fmt.Println()

	table := newPlainTable(false)
	table.Row("batches", humanize.Comma(int64(numBatches)))
	table.Row("images", humanize.Comma(int64(numImages)))
	table.Row("data", humanize.Bytes(numBytes))
	table.Row("elapsed", elapsed.Round(time.Millisecond).String())
	table.Row("images / sec", humanize.CommafWithDigits(float64(numImages)/elapsed.Seconds(), 1))
	table.Row("bytes / sec", humanize.Bytes(uint64(float64(numBytes)/elapsed.Seconds())))
	fmt.Println(table.Render())
}
