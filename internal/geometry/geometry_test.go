package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-defect-inspector/pkg/models"
)

func TestPaddedCrop(t *testing.T) {
	tests := []struct {
		name   string
		box    models.BBox
		w, h   int
		expect models.BBox
	}{
		{"interior", models.BBox{100, 100, 200, 150}, 640, 480, models.BBox{80, 80, 220, 170}},
		{"clamped top-left", models.BBox{5, 10, 50, 60}, 640, 480, models.BBox{0, 0, 70, 80}},
		{"clamped bottom-right", models.BBox{600, 450, 639, 479}, 640, 480, models.BBox{580, 430, 640, 480}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, PaddedCrop(tt.box, DefaultPadding, tt.w, tt.h))
		})
	}
}

func TestToImageSpace_UsesPaddedOffset(t *testing.T) {
	crop := models.BBox{80, 80, 220, 170}
	got := ToImageSpace(models.BBox{10, 20, 30, 40}, crop)
	assert.Equal(t, models.BBox{90, 100, 110, 120}, got)
}

func TestToImageSpace_ClampsToCrop(t *testing.T) {
	crop := models.BBox{580, 430, 640, 480}
	got := ToImageSpace(models.BBox{-5, 10, 100, 70}, crop)

	assert.Equal(t, models.BBox{580, 440, 640, 480}, got)
	assert.LessOrEqual(t, got[2], 640)
	assert.LessOrEqual(t, got[3], 480)
}

func TestIntoFrame_RoundTripInside(t *testing.T) {
	original := Box{X1: 100, Y1: 120, X2: 200, Y2: 220}
	off := Offset{X: 50, Y: 60}
	w, h := 300, 300

	framed, kept := IntoFrame(original, off, w, h)
	require.True(t, kept)

	restored := Denormalize(Normalize(framed, w, h), w, h).Translate(off)
	assert.InDelta(t, original.X1, restored.X1, 1e-3)
	assert.InDelta(t, original.Y1, restored.Y1, 1e-3)
	assert.InDelta(t, original.X2, restored.X2, 1e-3)
	assert.InDelta(t, original.Y2, restored.Y2, 1e-3)
}

func TestIntoFrame_RoundTripClipped(t *testing.T) {
	original := Box{X1: 20, Y1: 100, X2: 120, Y2: 150}
	off := Offset{X: 50, Y: 60}
	w, h := 300, 300

	framed, kept := IntoFrame(original, off, w, h)
	require.True(t, kept)
	assert.Equal(t, Box{X1: 0, Y1: 40, X2: 70, Y2: 90}, framed)

	restored := Denormalize(Normalize(framed, w, h), w, h).Translate(off)
	assert.InDelta(t, 50.0, restored.X1, 1e-3)
	assert.InDelta(t, 100.0, restored.Y1, 1e-3)
	assert.InDelta(t, 120.0, restored.X2, 1e-3)
	assert.InDelta(t, 150.0, restored.Y2, 1e-3)
}

func TestIntoFrame_Dropped(t *testing.T) {
	off := Offset{X: 50, Y: 60}

	tests := []struct {
		name string
		box  Box
	}{
		{"entirely left of crop", Box{X1: 0, Y1: 100, X2: 40, Y2: 150}},
		{"touching left edge", Box{X1: 0, Y1: 100, X2: 50, Y2: 150}},
		{"entirely above crop", Box{X1: 100, Y1: 0, X2: 150, Y2: 30}},
		{"entirely right of crop", Box{X1: 400, Y1: 100, X2: 450, Y2: 150}},
		{"zero width", Box{X1: 100, Y1: 100, X2: 100, Y2: 150}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, kept := IntoFrame(tt.box, off, 300, 300)
			assert.False(t, kept)
		})
	}
}

func TestIntoFrame_SwappedCorners(t *testing.T) {
	framed, kept := IntoFrame(Box{X1: 200, Y1: 220, X2: 100, Y2: 120}, Offset{}, 300, 300)
	require.True(t, kept)
	assert.Equal(t, Box{X1: 100, Y1: 120, X2: 200, Y2: 220}, framed)
}

func TestNormalize_RoundsToSixDecimals(t *testing.T) {
	y := Normalize(Box{X1: 0, Y1: 0, X2: 1, Y2: 1}, 3, 7)
	assert.Equal(t, 0.166667, y.XCenter)
	assert.Equal(t, 0.071429, y.YCenter)
	assert.Equal(t, 0.333333, y.Width)
	assert.Equal(t, 0.142857, y.Height)
}

func TestFormatAndParseLabel(t *testing.T) {
	line := FormatLabel(3, YOLOBox{XCenter: 0.5, YCenter: 0.25, Width: 0.1, Height: 0.2})
	assert.Equal(t, "3 0.500000 0.250000 0.100000 0.200000", line)

	classID, y, err := ParseLabel(line)
	require.NoError(t, err)
	assert.Equal(t, 3, classID)
	assert.Equal(t, 0.25, y.YCenter)
}

func TestParseLabel_Invalid(t *testing.T) {
	for _, line := range []string{"", "1 0.5 0.5 0.1", "x 0.5 0.5 0.1 0.1", "1 1.5 0.5 0.1 0.1"} {
		_, _, err := ParseLabel(line)
		assert.Error(t, err, line)
	}
}
