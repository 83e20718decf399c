package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/internal/inference"
	"go-defect-inspector/internal/repository"
	"go-defect-inspector/pkg/models"
)

type fakeSource struct {
	mu          sync.Mutex
	images      []repository.ImageRecord
	blobs       map[string][]byte
	bulk        map[int64][]repository.AnnotationRecord
	bulkErr     error
	perImage    map[int64][]repository.AnnotationRecord
	perImageErr error
	perCalls    []int64
}

func (f *fakeSource) ListImages(ctx context.Context) ([]repository.ImageRecord, error) {
	return f.images, nil
}

func (f *fakeSource) DownloadImage(ctx context.Context, img repository.ImageRecord) ([]byte, error) {
	data, ok := f.blobs[img.FileName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrImageNotFound, img.FileName)
	}
	return data, nil
}

func (f *fakeSource) ListAnnotations(ctx context.Context) (map[int64][]repository.AnnotationRecord, error) {
	return f.bulk, f.bulkErr
}

func (f *fakeSource) ImageAnnotations(ctx context.Context, imageID int64) ([]repository.AnnotationRecord, error) {
	f.mu.Lock()
	f.perCalls = append(f.perCalls, imageID)
	f.mu.Unlock()
	if f.perImageErr != nil {
		return nil, f.perImageErr
	}
	return f.perImage[imageID], nil
}

type fakeLocalizer struct {
	dets []models.Detection
	err  error
}

func (f *fakeLocalizer) Infer(ctx context.Context, img image.Image, conf float64) ([]models.Detection, error) {
	return f.dets, f.err
}
func (f *fakeLocalizer) Path() string                     { return "segment.pt" }
func (f *fakeLocalizer) Unload(ctx context.Context) error { return nil }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func ann(imageID int64, classID int, x1, y1, x2, y2 float64) repository.AnnotationRecord {
	return repository.AnnotationRecord{ImageID: imageID, ClassID: classID, BBoxX1: x1, BBoxY1: y1, BBoxX2: x2, BBoxY2: y2}
}

func readLabel(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "labels", name))
	require.NoError(t, err)
	return string(data)
}

func TestPrepare_FullImages(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		images: []repository.ImageRecord{
			{ID: 1, FileName: "t1_base.png", ImageType: repository.ImageTypeBaseline},
			{ID: 2, FileName: "t1_maint.png", ImageType: repository.ImageTypeMaintenance},
			{ID: 3, FileName: "t2_maint.png", ImageType: repository.ImageTypeMaintenance},
			{ID: 4, FileName: "missing.png", ImageType: repository.ImageTypeMaintenance},
		},
		blobs: map[string][]byte{
			"t1_base.png":  pngBytes(t, 100, 50),
			"t1_maint.png": pngBytes(t, 100, 50),
			"t2_maint.png": pngBytes(t, 100, 50),
		},
		bulk: map[int64][]repository.AnnotationRecord{
			2: {ann(2, 0, 0, 0, 50, 25)},
		},
	}

	p := NewPreparer(src, nil, classes.NewDefaultTable(), nil, Options{
		OutputDir:     out,
		SkipImageType: repository.ImageTypeBaseline,
	})

	summary, err := p.Prepare(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.TotalImages)
	assert.Equal(t, 1, summary.SkippedAlreadyAnnotated)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 2, summary.Labeled)
	assert.Equal(t, 0, summary.Cropped)
	assert.LessOrEqual(t, summary.Downloaded, summary.TotalImages-summary.SkippedAlreadyAnnotated)

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "4", summary.Errors[0].ItemID)
	assert.Equal(t, models.StageDownload, summary.Errors[0].Stage)

	assert.Equal(t, "0 0.250000 0.250000 0.500000 0.500000\n", readLabel(t, out, "t1_maint.txt"))
	// item 3 had no annotations anywhere: processed, zero defects
	assert.Equal(t, "", readLabel(t, out, "t2_maint.txt"))
	assert.Equal(t, []int64{3}, src.perCalls)

	assert.FileExists(t, filepath.Join(out, "images", "t1_maint.png"))
	assert.NoFileExists(t, filepath.Join(out, "images", "t1_base.png"))

	var persisted models.PreparationSummary
	data, err := os.ReadFile(filepath.Join(out, SummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, summary.Labeled, persisted.Labeled)
}

func TestPrepare_CropsWithLocalizer(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		images: []repository.ImageRecord{{ID: 7, FileName: "tx.png", ImageType: repository.ImageTypeMaintenance}},
		blobs:  map[string][]byte{"tx.png": pngBytes(t, 200, 200)},
		bulk: map[int64][]repository.AnnotationRecord{
			7: {
				ann(7, 3, 30, 30, 50, 50),
				// entirely left of the crop's left edge
				ann(7, 1, 0, 50, 10, 60),
			},
		},
	}

	handle := inference.NewModelHandle(nil)
	handle.Swap(&fakeLocalizer{dets: []models.Detection{
		{ClassID: 0, Confidence: 0.4, BBox: models.BBox{0, 0, 10, 10}},
		{ClassID: 0, Confidence: 0.9, BBox: models.BBox{40, 40, 80, 80}},
	}})

	p := NewPreparer(src, handle, classes.NewDefaultTable(), nil, Options{OutputDir: out, UseLocalizer: true})
	summary, err := p.Prepare(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cropped)
	assert.Empty(t, summary.Errors)

	// crop is [20,20,100,100]; the kept box lands at [10,10,30,30] in an 80x80 frame
	assert.Equal(t, "3 0.250000 0.250000 0.250000 0.250000\n", readLabel(t, out, "tx.txt"))

	f, err := os.Open(filepath.Join(out, "images", "tx.png"))
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.Width)
	assert.Equal(t, 80, cfg.Height)
}

func TestPrepare_LocalizerFailureUsesFullImage(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		images: []repository.ImageRecord{{ID: 1, FileName: "a.png"}},
		blobs:  map[string][]byte{"a.png": pngBytes(t, 40, 40)},
		bulk:   map[int64][]repository.AnnotationRecord{1: {ann(1, 2, 0, 0, 20, 20)}},
	}

	handle := inference.NewModelHandle(nil)
	handle.Swap(&fakeLocalizer{err: errors.New("sidecar down")})

	p := NewPreparer(src, handle, classes.NewDefaultTable(), nil, Options{OutputDir: out, UseLocalizer: true})
	summary, err := p.Prepare(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Cropped)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, "2 0.250000 0.250000 0.500000 0.500000\n", readLabel(t, out, "a.txt"))
}

func TestPrepare_BulkFailureFallsBackPerImage(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		images:   []repository.ImageRecord{{ID: 5, FileName: "b.png"}},
		blobs:    map[string][]byte{"b.png": pngBytes(t, 10, 10)},
		bulkErr:  repository.ErrRepositoryUnavailable,
		perImage: map[int64][]repository.AnnotationRecord{5: {ann(5, 4, 0, 0, 10, 10)}},
	}

	summary, err := NewPreparer(src, nil, classes.NewDefaultTable(), nil, Options{OutputDir: out}).Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Labeled)
	assert.Equal(t, "4 0.500000 0.500000 1.000000 1.000000\n", readLabel(t, out, "b.txt"))
}

func TestPrepare_LabelFetchFailureIsPerItem(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		images:      []repository.ImageRecord{{ID: 8, FileName: "c.png"}},
		blobs:       map[string][]byte{"c.png": pngBytes(t, 10, 10)},
		perImageErr: repository.ErrRepositoryUnavailable,
	}

	summary, err := NewPreparer(src, nil, classes.NewDefaultTable(), nil, Options{OutputDir: out}).Prepare(context.Background())
	require.NoError(t, err)

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, models.StageLabels, summary.Errors[0].Stage)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 0, summary.Labeled)
	assert.NoFileExists(t, filepath.Join(out, "images", "c.png"))
}

func TestPrepare_RerunOverwrites(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		images: []repository.ImageRecord{{ID: 1, FileName: "a.png"}},
		blobs:  map[string][]byte{"a.png": pngBytes(t, 10, 10)},
		bulk:   map[int64][]repository.AnnotationRecord{1: {ann(1, 0, 0, 0, 5, 5)}},
	}
	p := NewPreparer(src, nil, classes.NewDefaultTable(), nil, Options{OutputDir: out})

	_, err := p.Prepare(context.Background())
	require.NoError(t, err)
	_, err = p.Prepare(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(out, "labels"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPrepare_QualityWarningsDoNotDropItems(t *testing.T) {
	out := t.TempDir()
	src := &fakeSource{
		images: []repository.ImageRecord{{ID: 7, FileName: "flat.png"}},
		blobs:  map[string][]byte{"flat.png": pngBytes(t, 20, 20)},
		bulk:   map[int64][]repository.AnnotationRecord{7: {ann(7, 0, 0, 0, 5, 5)}},
	}
	quality := DefaultQualityThresholds()
	p := NewPreparer(src, nil, classes.NewDefaultTable(), nil, Options{OutputDir: out, Quality: &quality})

	summary, err := p.Prepare(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Labeled)
	assert.Empty(t, summary.Errors)
	require.Len(t, summary.QualityWarnings, 1)
	assert.Equal(t, "7", summary.QualityWarnings[0].ItemID)
	assert.Equal(t, CheckBlurry, summary.QualityWarnings[0].Check)
	assert.FileExists(t, filepath.Join(out, "images", "flat.png"))
}

func TestMaskAndCrop(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			src.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	out := maskAndCrop(src, models.BBox{5, 5, 15, 15}, models.BBox{8, 8, 12, 12})
	assert.Equal(t, image.Rect(0, 0, 10, 10), out.Bounds())
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, out.RGBAAt(4, 4))
}
