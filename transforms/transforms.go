// Package transforms implements composable image augmentations for
// classification training and evaluation pipelines.
//
// Transforms operate on image.Image values and never mutate their input.
// Randomized transforms draw from a caller-owned *rand.Rand, so datasets
// control determinism and goroutine safety.
package transforms

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Transform is one augmentation step. Deterministic transforms ignore rng;
// randomized ones require it to be non-nil.
type Transform interface {
	Apply(img image.Image, rng *rand.Rand) image.Image
}

// Compose chains transforms, applying them in order.
func Compose(ts ...Transform) Transform {
	return composed(ts)
}

type composed []Transform

func (c composed) Apply(img image.Image, rng *rand.Rand) image.Image {
	for _, t := range c {
		img = t.Apply(img, rng)
	}
	return img
}

func (c composed) String() string {
	parts := make([]string, len(c))
	for ii, t := range c {
		parts[ii] = fmt.Sprintf("%v", t)
	}
	return strings.Join(parts, " -> ")
}

// RandomResizedCrop crops a random region of the image and resizes it to
// Height x Width. The crop's area fraction and aspect ratio are sampled from
// the configured ranges (aspect ratios log-uniformly), retrying up to 10 times
// before falling back to a centered crop of the closest valid ratio.
type RandomResizedCrop struct {
	height, width    int
	areaLo, areaHi   float64
	ratioLo, ratioHi float64
}

// NewRandomResizedCrop creates a RandomResizedCrop to the given target size,
// with area range 0.08..1.0 and aspect ratio range 3/4..4/3.
func NewRandomResizedCrop(height, width int) *RandomResizedCrop {
	if height <= 0 || width <= 0 {
		Panicf("NewRandomResizedCrop target must be > 0, got %dx%d", height, width)
	}
	return &RandomResizedCrop{
		height:  height,
		width:   width,
		areaLo:  0.08,
		areaHi:  1.0,
		ratioLo: 3.0 / 4.0,
		ratioHi: 4.0 / 3.0,
	}
}

// AreaRange sets the range of the crop's area as a fraction of the image area.
// It returns the transform to allow cascading configuration calls.
func (t *RandomResizedCrop) AreaRange(lo, hi float64) *RandomResizedCrop {
	if lo <= 0 || hi < lo || hi > 1 {
		Panicf("AreaRange requires 0 < lo <= hi <= 1, got %g..%g", lo, hi)
	}
	t.areaLo, t.areaHi = lo, hi
	return t
}

// RatioRange sets the range aspect ratios (width/height) are sampled from.
func (t *RandomResizedCrop) RatioRange(lo, hi float64) *RandomResizedCrop {
	if lo <= 0 || hi < lo {
		Panicf("RatioRange requires 0 < lo <= hi, got %g..%g", lo, hi)
	}
	t.ratioLo, t.ratioHi = lo, hi
	return t
}

// Apply implements Transform.
func (t *RandomResizedCrop) Apply(img image.Image, rng *rand.Rand) image.Image {
	size := img.Bounds().Size()
	area := float64(size.X * size.Y)
	logLo, logHi := math.Log(t.ratioLo), math.Log(t.ratioHi)

	for range 10 {
		targetArea := area * (t.areaLo + rng.Float64()*(t.areaHi-t.areaLo))
		aspect := math.Exp(logLo + rng.Float64()*(logHi-logLo))
		w := int(math.Round(math.Sqrt(targetArea * aspect)))
		h := int(math.Round(math.Sqrt(targetArea / aspect)))
		if w > 0 && w <= size.X && h > 0 && h <= size.Y {
			top := rng.IntN(size.Y - h + 1)
			left := rng.IntN(size.X - w + 1)
			crop := imaging.Crop(img, image.Rect(left, top, left+w, top+h))
			return imaging.Resize(crop, t.width, t.height, imaging.Lanczos)
		}
	}

	// Fallback: centered crop at the closest valid aspect ratio.
	cropW, cropH := size.X, size.Y
	inRatio := float64(size.X) / float64(size.Y)
	switch {
	case inRatio < t.ratioLo:
		cropH = int(math.Round(float64(cropW) / t.ratioLo))
	case inRatio > t.ratioHi:
		cropW = int(math.Round(float64(cropH) * t.ratioHi))
	}
	left := (size.X - cropW) / 2
	top := (size.Y - cropH) / 2
	crop := imaging.Crop(img, image.Rect(left, top, left+cropW, top+cropH))
	return imaging.Resize(crop, t.width, t.height, imaging.Lanczos)
}

// String implements fmt.Stringer.
func (t *RandomResizedCrop) String() string {
	return fmt.Sprintf("RandomResizedCrop(%dx%d, area=%.2f..%.2f, ratio=%.2f..%.2f)",
		t.height, t.width, t.areaLo, t.areaHi, t.ratioLo, t.ratioHi)
}

// RandomHorizontalFlip mirrors the image horizontally with probability 1/2.
type RandomHorizontalFlip struct{}

// Apply implements Transform.
func (RandomHorizontalFlip) Apply(img image.Image, rng *rand.Rand) image.Image {
	if rng.IntN(2) == 1 {
		return imaging.FlipH(img)
	}
	return img
}

// String implements fmt.Stringer.
func (RandomHorizontalFlip) String() string { return "RandomHorizontalFlip(p=0.5)" }

// Resize scales the image so its shortest side equals Size, preserving the
// aspect ratio.
type Resize struct {
	Size int
}

// Apply implements Transform.
func (t Resize) Apply(img image.Image, _ *rand.Rand) image.Image {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width < height {
		ratio := float64(width) / float64(t.Size)
		width = t.Size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(t.Size)
		height = t.Size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width = t.Size
		height = t.Size
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// String implements fmt.Stringer.
func (t Resize) String() string { return fmt.Sprintf("Resize(shortest=%d)", t.Size) }

// CenterCrop crops the centered Height x Width region. An image smaller than
// the crop on either axis is pasted centered on a black background instead, so
// the output always has the requested size.
type CenterCrop struct {
	Height, Width int
}

// Apply implements Transform.
func (t CenterCrop) Apply(img image.Image, _ *rand.Rand) image.Image {
	size := img.Bounds().Size()
	if size.X >= t.Width && size.Y >= t.Height {
		left := (size.X - t.Width) / 2
		top := (size.Y - t.Height) / 2
		return imaging.Crop(img, image.Rect(left, top, left+t.Width, top+t.Height))
	}
	bg := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	return imaging.PasteCenter(bg, img)
}

// String implements fmt.Stringer.
func (t CenterCrop) String() string { return fmt.Sprintf("CenterCrop(%dx%d)", t.Height, t.Width) }

// DefaultCropRatio is the standard ratio between the evaluation crop size and
// the pre-crop resize size (224/256).
const DefaultCropRatio = 0.875

// ValidationSize returns the shortest-side resize target for an evaluation
// crop of the given size: ceil(size/cropRatio) truncated down to a multiple of
// 32. Ratios outside (0, 1) get a warning and fall back to size+32.
func ValidationSize(size int, cropRatio float64) int {
	if cropRatio > 0 && cropRatio < 1 {
		return int(math.Ceil(float64(size)/cropRatio)) / 32 * 32
	}
	klog.Warningf("crop ratio should be in (0, 1), got %g; resizing to %d instead", cropRatio, size+32)
	return size + 32
}

// Training returns the standard training pipeline: a random resized crop to
// h x w followed by a random horizontal flip.
func Training(h, w int) Transform {
	return Compose(NewRandomResizedCrop(h, w), RandomHorizontalFlip{})
}

// TrainingBitPlane is Training with bit-plane slicing appended.
func TrainingBitPlane(h, w, planes int) Transform {
	return Compose(NewRandomResizedCrop(h, w), RandomHorizontalFlip{}, NewBitPlane(planes))
}

// Validation returns the standard evaluation pipeline: a shortest-side resize
// to ValidationSize(size, cropRatio) followed by a centered size x size crop.
func Validation(size int, cropRatio float64) Transform {
	return Compose(Resize{Size: ValidationSize(size, cropRatio)}, CenterCrop{Height: size, Width: size})
}

// ValidationBitPlane is Validation with bit-plane slicing appended.
func ValidationBitPlane(size int, cropRatio float64, planes int) Transform {
	return Compose(
		Resize{Size: ValidationSize(size, cropRatio)},
		CenterCrop{Height: size, Width: size},
		NewBitPlane(planes))
}
