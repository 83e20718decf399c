package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"go-defect-inspector/internal/geometry"
	"go-defect-inspector/pkg/models"
)

// decodeImage decodes any registered format (jpeg, png, bmp, webp)
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// outputName keeps the original file name when its format can be written
// back; webp crops are stored as jpeg under the same stem
func outputName(name string) string {
	base := filepath.Base(name)
	if strings.EqualFold(filepath.Ext(base), ".webp") {
		return strings.TrimSuffix(base, filepath.Ext(base)) + ".jpg"
	}
	return base
}

// encodeImage encodes img in the format implied by name's extension
func encodeImage(name string, img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		err = png.Encode(&buf, img)
	case ".bmp":
		err = bmp.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// maskAndCrop blacks out everything outside keep, then cuts crop out of img.
// The returned image's origin is (0,0).
func maskAndCrop(img image.Image, crop, keep models.BBox) *image.RGBA {
	cropRect := geometry.Rect(crop)
	out := image.NewRGBA(image.Rect(0, 0, cropRect.Dx(), cropRect.Dy()))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)

	visible := geometry.Rect(keep).Intersect(cropRect)
	if visible.Empty() {
		return out
	}
	dst := visible.Sub(cropRect.Min)
	draw.Draw(out, dst, img, visible.Min, draw.Src)
	return out
}
