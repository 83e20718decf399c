package dataset

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniformGray(w, h int, level uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	return img
}

func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestMeasureQuality(t *testing.T) {
	flat := measureQuality(uniformGray(16, 16, 128))
	assert.Equal(t, 0.0, flat.laplacianVar)
	assert.InDelta(t, 128, flat.brightness, 1e-9)

	sharp := measureQuality(checkerboard(16, 16))
	assert.Greater(t, sharp.laplacianVar, 1000.0)
	assert.InDelta(t, 127.5, sharp.brightness, 1)
}

func TestQualityThresholds_Check(t *testing.T) {
	th := DefaultQualityThresholds()

	assert.Empty(t, th.check("1", checkerboard(16, 16)))

	dark := th.check("2", uniformGray(16, 16, 5))
	require.Len(t, dark, 2)
	assert.Equal(t, CheckBlurry, dark[0].Check)
	assert.Equal(t, CheckTooDark, dark[1].Check)
	assert.Equal(t, "2", dark[1].ItemID)

	bright := th.check("3", uniformGray(16, 16, 250))
	require.Len(t, bright, 2)
	assert.Equal(t, CheckTooLight, bright[1].Check)
}

func TestMeasureQuality_TinyImage(t *testing.T) {
	m := measureQuality(uniformGray(2, 2, 40))
	assert.Equal(t, 0.0, m.laplacianVar)
	assert.InDelta(t, 40, m.brightness, 1e-9)
}
