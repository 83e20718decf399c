// Package render draws detections onto an image for audit output.
package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"go-defect-inspector/pkg/models"
)

const (
	lineWidth    = 3
	labelPadding = 2
)

// RegionColor outlines the located transformer
var RegionColor = color.RGBA{0, 255, 0, 255}

// Annotate returns a copy of img with the located transformer region and
// every detection's box and label drawn on it. img is not modified.
func Annotate(img image.Image, stage1 models.StageOneResult, detections []models.Detection) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	face := basicfont.Face7x13
	if stage1.Status == models.StatusTransformerDetected && stage1.BBox != nil {
		label := "Transformer"
		if stage1.Confidence != nil {
			label = fmt.Sprintf("Transformer %.2f", *stage1.Confidence)
		}
		drawBox(out, face, *stage1.BBox, label, RegionColor)
	}
	for _, d := range detections {
		c := color.RGBA{uint8(d.Color[0]), uint8(d.Color[1]), uint8(d.Color[2]), 255}
		drawBox(out, face, d.BBox, fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence), c)
	}
	return out
}

func drawBox(dst *image.RGBA, face font.Face, box models.BBox, label string, c color.RGBA) {
	rect := image.Rect(box[0], box[1], box[2], box[3]).Intersect(dst.Bounds())
	if rect.Empty() {
		return
	}
	strokeRect(dst, rect, c)
	drawLabel(dst, face, label, rect.Min, c)
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	w := lineWidth
	if r.Dx() < 2*w || r.Dy() < 2*w {
		w = 1
	}
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel puts text on a filled box just above anchor, or just inside the
// box when there is no room above
func drawLabel(dst *image.RGBA, face font.Face, text string, anchor image.Point, bg color.RGBA) {
	metrics := face.Metrics()
	textW := font.MeasureString(face, text).Ceil()
	textH := (metrics.Ascent + metrics.Descent).Ceil()

	top := anchor.Y - textH - 2*labelPadding
	if top < 0 {
		top = anchor.Y
	}
	box := image.Rect(anchor.X, top, anchor.X+textW+2*labelPadding, top+textH+2*labelPadding).Intersect(dst.Bounds())
	if box.Empty() {
		return
	}
	draw.Draw(dst, box, image.NewUniform(bg), image.Point{}, draw.Src)

	dr := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(textColor(bg)),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(anchor.X + labelPadding),
			Y: fixed.I(top+labelPadding) + metrics.Ascent,
		},
	}
	dr.DrawString(text)
}

// textColor picks black on light backgrounds and white on dark ones
func textColor(bg color.RGBA) color.Color {
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 150 {
		return color.Black
	}
	return color.White
}

// EncodeJPEGBase64 encodes img as a base64 JPEG
func EncodeJPEGBase64(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
