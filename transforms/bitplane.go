package transforms

import (
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/exceptions"
)

// BitPlane quantizes each 8-bit color channel to its Planes most significant
// bit planes, rescaling the kept planes back to the full 0..255 range. With 8
// planes it is the identity; with 1 plane each channel becomes binary. Alpha
// is left untouched.
type BitPlane struct {
	Planes int
}

// NewBitPlane creates a BitPlane keeping the given number of planes, in 1..8.
func NewBitPlane(planes int) BitPlane {
	if planes < 1 || planes > 8 {
		Panicf("NewBitPlane requires planes in 1..8, got %d", planes)
	}
	return BitPlane{Planes: planes}
}

// Apply implements Transform.
func (t BitPlane) Apply(img image.Image, _ *rand.Rand) image.Image {
	if t.Planes >= 8 {
		return img
	}
	out := imaging.Clone(img)
	mask := uint8(0xFF) << (8 - t.Planes)
	pix := out.Pix
	for ii := 0; ii < len(pix); ii += 4 {
		for c := range 3 {
			kept := pix[ii+c] & mask
			pix[ii+c] = uint8(int(kept) * 255 / int(mask))
		}
	}
	return out
}

// String implements fmt.Stringer.
func (t BitPlane) String() string { return fmt.Sprintf("BitPlane(planes=%d)", t.Planes) }
