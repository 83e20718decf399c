package dataset

import (
	"fmt"
	"image"
	"image/draw"

	"gonum.org/v1/gonum/stat"

	"go-defect-inspector/pkg/models"
)

// Quality checks
const (
	CheckBlurry   = "blurry"
	CheckTooDark  = "too_dark"
	CheckTooLight = "too_bright"
)

// QualityThresholds flag prepared images that are likely to hurt training.
// Flagged images are still written.
type QualityThresholds struct {
	MinLaplacianVariance float64
	// Mean gray level bounds, 0-255
	MinBrightness float64
	MaxBrightness float64
}

// DefaultQualityThresholds are tuned for thermal inspection photos, which
// are darker than documents
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MinLaplacianVariance: 100,
		MinBrightness:        20,
		MaxBrightness:        235,
	}
}

type qualityMetrics struct {
	laplacianVar float64
	brightness   float64
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}

// measureQuality computes the Laplacian variance and mean brightness
func measureQuality(img image.Image) qualityMetrics {
	gray := toGray(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return qualityMetrics{}
	}

	at := func(x, y int) float64 {
		return float64(gray.Pix[y*gray.Stride+x])
	}

	levels := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			levels = append(levels, at(x, y))
		}
	}

	var laplacian []float64
	if w > 2 && h > 2 {
		laplacian = make([]float64, 0, (w-2)*(h-2))
		// kernel [0 1 0; 1 -4 1; 0 1 0]
		for y := 1; y < h-1; y++ {
			for x := 1; x < w-1; x++ {
				laplacian = append(laplacian, at(x, y-1)+at(x, y+1)+at(x-1, y)+at(x+1, y)-4*at(x, y))
			}
		}
	}

	m := qualityMetrics{brightness: stat.Mean(levels, nil)}
	if len(laplacian) > 1 {
		m.laplacianVar = stat.Variance(laplacian, nil)
	}
	return m
}

// check returns one warning per failed threshold
func (t QualityThresholds) check(itemID string, img image.Image) []models.QualityWarning {
	m := measureQuality(img)

	var warnings []models.QualityWarning
	add := func(check string, value, threshold float64) {
		warnings = append(warnings, models.QualityWarning{
			ItemID:    itemID,
			Check:     check,
			Value:     value,
			Threshold: threshold,
			Message:   fmt.Sprintf("%s: %.1f against threshold %.1f", check, value, threshold),
		})
	}

	if t.MinLaplacianVariance > 0 && m.laplacianVar < t.MinLaplacianVariance {
		add(CheckBlurry, m.laplacianVar, t.MinLaplacianVariance)
	}
	if m.brightness < t.MinBrightness {
		add(CheckTooDark, m.brightness, t.MinBrightness)
	}
	if t.MaxBrightness > 0 && m.brightness > t.MaxBrightness {
		add(CheckTooLight, m.brightness, t.MaxBrightness)
	}
	return warnings
}
