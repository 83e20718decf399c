// Package geometry holds the coordinate bookkeeping shared by the two-stage
// pipeline and dataset preparation: padded crops, crop/image re-projection
// and normalized label boxes.
package geometry

import (
	"image"
	"math"

	"go-defect-inspector/pkg/models"
)

// DefaultPadding is added on every side of a located region before cropping
const DefaultPadding = 20

// Offset is the top-left of a crop in original-image coordinates
type Offset struct {
	X, Y int
}

// OffsetOf returns the top-left corner of a crop box
func OffsetOf(crop models.BBox) Offset {
	return Offset{X: crop[0], Y: crop[1]}
}

// PaddedCrop grows box by padding on all sides and clamps it to a
// width x height frame
func PaddedCrop(box models.BBox, padding, width, height int) models.BBox {
	return ClampBBox(models.BBox{
		box[0] - padding,
		box[1] - padding,
		box[2] + padding,
		box[3] + padding,
	}, width, height)
}

// ClampBBox limits every coordinate to [0,width]x[0,height]
func ClampBBox(b models.BBox, width, height int) models.BBox {
	return models.BBox{
		clampInt(b[0], 0, width),
		clampInt(b[1], 0, height),
		clampInt(b[2], 0, width),
		clampInt(b[3], 0, height),
	}
}

// ToImageSpace re-projects a crop-space box into the original image by adding
// the padded crop's top-left. The result is clamped to the crop, which itself
// lies inside the image.
func ToImageSpace(b models.BBox, crop models.BBox) models.BBox {
	shifted := models.BBox{
		crop[0] + b[0],
		crop[1] + b[1],
		crop[0] + b[2],
		crop[1] + b[3],
	}
	return models.BBox{
		clampInt(shifted[0], crop[0], crop[2]),
		clampInt(shifted[1], crop[1], crop[3]),
		clampInt(shifted[2], crop[0], crop[2]),
		clampInt(shifted[3], crop[1], crop[3]),
	}
}

// Rect converts a box to an image.Rectangle
func Rect(b models.BBox) image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

// Box is a float box in pixel units, as stored by the annotation source
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Canon orders the corners so that X1<=X2 and Y1<=Y2
func (b Box) Canon() Box {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

// Translate moves the box by +off
func (b Box) Translate(off Offset) Box {
	return Box{
		X1: b.X1 + float64(off.X),
		Y1: b.Y1 + float64(off.Y),
		X2: b.X2 + float64(off.X),
		Y2: b.Y2 + float64(off.Y),
	}
}

// IntoFrame moves an original-space box into a crop frame of size w x h
// whose top-left is off. Boxes entirely outside the frame, and boxes left
// with zero area after clipping, are reported as not kept.
func IntoFrame(b Box, off Offset, w, h int) (Box, bool) {
	b = b.Canon().Translate(Offset{X: -off.X, Y: -off.Y})
	fw, fh := float64(w), float64(h)

	if b.X2 <= 0 || b.Y2 <= 0 || b.X1 >= fw || b.Y1 >= fh {
		return Box{}, false
	}

	clipped := Box{
		X1: math.Max(0, b.X1),
		Y1: math.Max(0, b.Y1),
		X2: math.Min(fw, b.X2),
		Y2: math.Min(fh, b.Y2),
	}
	if clipped.X2-clipped.X1 <= 0 || clipped.Y2-clipped.Y1 <= 0 {
		return Box{}, false
	}
	return clipped, true
}

// YOLOBox is a center/size box normalized by the frame dimensions
type YOLOBox struct {
	XCenter, YCenter, Width, Height float64
}

// Normalize converts a frame-space box into a normalized center/size box,
// each value rounded to 6 decimal places
func Normalize(b Box, w, h int) YOLOBox {
	fw, fh := float64(w), float64(h)
	return YOLOBox{
		XCenter: Round6((b.X1 + b.X2) / 2 / fw),
		YCenter: Round6((b.Y1 + b.Y2) / 2 / fh),
		Width:   Round6((b.X2 - b.X1) / fw),
		Height:  Round6((b.Y2 - b.Y1) / fh),
	}
}

// Denormalize is the inverse of Normalize, up to rounding
func Denormalize(y YOLOBox, w, h int) Box {
	fw, fh := float64(w), float64(h)
	cx, cy := y.XCenter*fw, y.YCenter*fh
	bw, bh := y.Width*fw, y.Height*fh
	return Box{
		X1: cx - bw/2,
		Y1: cy - bh/2,
		X2: cx + bw/2,
		Y2: cy + bh/2,
	}
}

// Round6 rounds to 6 decimal places
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
