// Package dataset turns annotated maintenance images from the annotation
// source into an images/labels corpus the classifier can be trained on.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/internal/geometry"
	"go-defect-inspector/internal/inference"
	"go-defect-inspector/internal/logger"
	"go-defect-inspector/internal/observer"
	"go-defect-inspector/internal/repository"
	"go-defect-inspector/internal/storage"
	"go-defect-inspector/pkg/models"
)

// SummaryFile is written next to images/ and labels/ after every run
const SummaryFile = "summary.json"

// Options configures a Preparer
type Options struct {
	OutputDir     string
	Concurrency   int64
	SkipImageType repository.ImageType
	UseLocalizer  bool

	// Confidence passed to the localizer when locating the region
	LocalizerConfidence float64
	Padding             int

	// Quality, when set, flags blurry or badly exposed images
	Quality *QualityThresholds
}

// Preparer builds the new-data corpus
type Preparer struct {
	source    repository.AnnotationSource
	localizer *inference.ModelHandle
	classes   *classes.Table
	events    observer.Subject
	opts      Options
}

// NewPreparer creates a preparer. localizer and events may be nil.
func NewPreparer(source repository.AnnotationSource, localizer *inference.ModelHandle, table *classes.Table, events observer.Subject, opts Options) *Preparer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 5
	}
	if opts.LocalizerConfidence <= 0 {
		opts.LocalizerConfidence = models.DefaultConfidence
	}
	if opts.Padding <= 0 {
		opts.Padding = geometry.DefaultPadding
	}
	return &Preparer{
		source:    source,
		localizer: localizer,
		classes:   table,
		events:    events,
		opts:      opts,
	}
}

// OutputDir is where images/, labels/ and the summary are written
func (p *Preparer) OutputDir() string {
	return p.opts.OutputDir
}

// ImagesDir returns the corpus image directory
func (p *Preparer) ImagesDir() string {
	return filepath.Join(p.opts.OutputDir, "images")
}

// LabelsDir returns the corpus label directory
func (p *Preparer) LabelsDir() string {
	return filepath.Join(p.opts.OutputDir, "labels")
}

// Prepare runs one preparation pass. Per-item failures are recorded in the
// summary; an error is returned only when the image list cannot be fetched,
// the output cannot be created, or ctx ends.
func (p *Preparer) Prepare(ctx context.Context) (*models.PreparationSummary, error) {
	start := time.Now()

	images, err := p.source.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	for _, dir := range []string{p.ImagesDir(), p.LabelsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	summary := &models.PreparationSummary{
		TotalImages:     len(images),
		Errors:          []models.PreparationError{},
		QualityWarnings: []models.QualityWarning{},
		OutputDir:       p.opts.OutputDir,
	}

	var pending []repository.ImageRecord
	for _, img := range images {
		if p.opts.SkipImageType != "" && strings.EqualFold(string(img.ImageType), string(p.opts.SkipImageType)) {
			summary.SkippedAlreadyAnnotated++
			continue
		}
		pending = append(pending, img)
	}

	// One bulk call; items missing from it fall back to the per-image query
	bulk, err := p.source.ListAnnotations(ctx)
	if err != nil {
		logger.WithError(err).Warn("Bulk annotation fetch failed, falling back to per-image queries")
		bulk = nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(p.opts.Concurrency)
	)

	for _, img := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(img repository.ImageRecord) {
			defer wg.Done()
			defer sem.Release(1)

			res := p.processItem(ctx, img, bulk[img.ID])

			mu.Lock()
			defer mu.Unlock()
			if res.downloaded {
				summary.Downloaded++
			}
			if res.cropped {
				summary.Cropped++
			}
			if res.labeled {
				summary.Labeled++
			}
			if res.err != nil {
				summary.Errors = append(summary.Errors, *res.err)
			}
			summary.QualityWarnings = append(summary.QualityWarnings, res.warnings...)
		}(img)
	}
	wg.Wait()

	sort.Slice(summary.Errors, func(i, j int) bool {
		return summary.Errors[i].ItemID < summary.Errors[j].ItemID
	})
	sort.SliceStable(summary.QualityWarnings, func(i, j int) bool {
		return summary.QualityWarnings[i].ItemID < summary.QualityWarnings[j].ItemID
	})
	summary.ProcessingTimeSec = time.Since(start).Seconds()

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if err := p.writeSummary(summary); err != nil {
		return summary, err
	}

	logger.WithFields(logrus.Fields{
		"total":      summary.TotalImages,
		"skipped":    summary.SkippedAlreadyAnnotated,
		"downloaded": summary.Downloaded,
		"labeled":    summary.Labeled,
		"errors":     len(summary.Errors),
		"warnings":   len(summary.QualityWarnings),
	}).Info("Dataset preparation finished")

	observer.Publish(ctx, p.events, observer.Event{
		EventType:      observer.PreparationCompleted,
		Subject:        p.opts.OutputDir,
		ProcessingTime: time.Since(start),
		Success:        len(summary.Errors) == 0,
		Metadata: map[string]interface{}{
			"downloaded": summary.Downloaded,
			"labeled":    summary.Labeled,
		},
	})

	return summary, nil
}

type itemResult struct {
	downloaded bool
	cropped    bool
	labeled    bool
	err        *models.PreparationError
	warnings   []models.QualityWarning
}

func (p *Preparer) processItem(ctx context.Context, img repository.ImageRecord, anns []repository.AnnotationRecord) itemResult {
	var res itemResult
	itemID := strconv.FormatInt(img.ID, 10)
	log := logger.WithFields(logrus.Fields{"image_id": img.ID, "file": img.FileName})

	fail := func(stage string, err error) itemResult {
		res.err = &models.PreparationError{ItemID: itemID, Stage: stage, Message: err.Error()}
		observer.Publish(ctx, p.events, observer.Event{
			EventType:    observer.PreparationItemFailed,
			Subject:      itemID,
			ErrorMessage: err.Error(),
			Metadata:     map[string]interface{}{"stage": stage},
		})
		return res
	}

	data, err := p.source.DownloadImage(ctx, img)
	if err != nil {
		return fail(models.StageDownload, err)
	}
	decoded, err := decodeImage(data)
	if err != nil {
		return fail(models.StageDownload, err)
	}
	res.downloaded = true

	name := filepath.Base(img.FileName)
	frame, off, cropped := p.locate(ctx, decoded, log)
	if cropped {
		name = outputName(name)
		data, err = encodeImage(name, frame)
		if err != nil {
			return fail(models.StageDownload, err)
		}
		res.cropped = true
	}

	imagePath := filepath.Join(p.ImagesDir(), name)
	if err := storage.WriteFileAtomic(imagePath, data); err != nil {
		return fail(models.StageDownload, fmt.Errorf("write image: %w", err))
	}

	if len(anns) == 0 {
		anns, err = p.source.ImageAnnotations(ctx, img.ID)
		if err != nil && !errors.Is(err, repository.ErrImageNotFound) {
			// an image with no label file would read as unprocessed; drop it
			_ = os.Remove(imagePath)
			return fail(models.StageLabels, err)
		}
	}

	bounds := frame.Bounds()
	lines, stats := buildLabels(anns, p.classes, off, bounds.Dx(), bounds.Dy())
	if stats.Unresolved > 0 {
		log.WithField("count", stats.Unresolved).Warn("Annotations with unknown class skipped")
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	labelPath := filepath.Join(p.LabelsDir(), stem+".txt")
	if err := storage.WriteFileAtomic(labelPath, labelFileContent(lines)); err != nil {
		_ = os.Remove(imagePath)
		return fail(models.StageLabels, fmt.Errorf("write labels: %w", err))
	}
	res.labeled = true

	if p.opts.Quality != nil {
		res.warnings = p.opts.Quality.check(itemID, frame)
	}

	log.WithFields(logrus.Fields{
		"boxes":    stats.Written,
		"outside":  stats.Outside,
		"inactive": stats.Inactive,
		"cropped":  cropped,
	}).Debug("Dataset item written")

	return res
}

// locate asks the localizer for the region. Without a localizer, or when it
// finds nothing or fails, the full image is used with a zero offset.
func (p *Preparer) locate(ctx context.Context, img image.Image, log *logrus.Entry) (image.Image, geometry.Offset, bool) {
	full := func() (image.Image, geometry.Offset, bool) {
		return img, geometry.Offset{X: img.Bounds().Min.X, Y: img.Bounds().Min.Y}, false
	}

	if !p.opts.UseLocalizer || p.localizer == nil {
		return full()
	}
	lease := p.localizer.Acquire()
	if lease == nil {
		return full()
	}
	defer lease.Release()

	dets, err := lease.Model().Infer(ctx, img, p.opts.LocalizerConfidence)
	if err != nil {
		log.WithError(err).Warn("Localizer failed, using full image")
		return full()
	}
	best, ok := inference.Best(dets)
	if !ok {
		return full()
	}

	bounds := img.Bounds()
	crop := geometry.PaddedCrop(best.BBox, p.opts.Padding, bounds.Dx(), bounds.Dy())
	if crop.Width() <= 0 || crop.Height() <= 0 {
		return full()
	}

	keep := crop
	if best.MaskBBox != nil {
		keep = *best.MaskBBox
	}
	return maskAndCrop(img, crop, keep), geometry.OffsetOf(crop), true
}

func (p *Preparer) writeSummary(summary *models.PreparationSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := storage.WriteFileAtomic(filepath.Join(p.opts.OutputDir, SummaryFile), data); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
