// Package pipeline runs the two-stage localizer/classifier detection and
// derives a severity verdict in original-image coordinates.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sort"
	"time"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/internal/geometry"
	"go-defect-inspector/internal/inference"
	"go-defect-inspector/pkg/models"
)

// TwoStagePipeline locates the transformer with the localizer, then runs the
// classifier on the padded crop only
type TwoStagePipeline struct {
	localizer  *inference.ModelHandle
	classifier *inference.ModelHandle
	classes    *classes.Table
	padding    int
}

// NewTwoStagePipeline creates a pipeline over the two model handles
func NewTwoStagePipeline(localizer, classifier *inference.ModelHandle, table *classes.Table) *TwoStagePipeline {
	return &TwoStagePipeline{
		localizer:  localizer,
		classifier: classifier,
		classes:    table,
		padding:    geometry.DefaultPadding,
	}
}

// Run produces a verdict for img. Both model versions are pinned when the
// call starts, so a concurrent swap never affects a request in flight.
// Any inference error fails the whole call; no partial verdict is returned.
func (p *TwoStagePipeline) Run(ctx context.Context, img image.Image, confidenceThreshold float64) (*models.Verdict, error) {
	start := time.Now()

	locLease := p.localizer.Acquire()
	if locLease != nil {
		defer locLease.Release()
	}
	clsLease := p.classifier.Acquire()
	if clsLease != nil {
		defer clsLease.Release()
	}

	bounds := img.Bounds()
	verdict := &models.Verdict{
		Success:             true,
		Detections:          []models.Detection{},
		ConfidenceThreshold: confidenceThreshold,
		ImageSize:           [2]int{bounds.Dx(), bounds.Dy()},
		Stage2: models.StageTwoResult{
			Status:          models.StatusNoDefectsDetected,
			ClassesDetected: []string{},
		},
	}

	stage1, crop, err := p.locate(ctx, locLease, img, confidenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("stage1 failed: %w", err)
	}
	verdict.Stage1 = stage1

	if crop != nil {
		stage2, err := p.classify(ctx, clsLease, img, *crop, confidenceThreshold)
		if err != nil {
			return nil, fmt.Errorf("stage2 failed: %w", err)
		}
		verdict.Stage2 = stage2

		for _, d := range stage2.Detections {
			d.BBox = geometry.ToImageSpace(d.BBox, *crop)
			d.Area = d.BBox.Area()
			verdict.Detections = append(verdict.Detections, d)
		}
	}

	verdict.TotalDetections = len(verdict.Detections)
	verdict.SeverityScore = SeverityScore(verdict.Detections)
	verdict.SeverityLevel = Level(crop != nil, verdict.TotalDetections, verdict.SeverityScore)
	verdict.ProcessingTimeSec = time.Since(start).Seconds()

	return verdict, nil
}

// locate returns the stage-1 result and, when a region was found, the
// padded crop box in image space
func (p *TwoStagePipeline) locate(ctx context.Context, lease *inference.Lease, img image.Image, conf float64) (models.StageOneResult, *models.BBox, error) {
	if lease == nil {
		return models.StageOneResult{
			Status:  models.StatusModelNotLoaded,
			Message: "localizer model not loaded",
		}, nil, nil
	}

	dets, err := lease.Model().Infer(ctx, img, conf)
	if err != nil {
		return models.StageOneResult{}, nil, err
	}

	var candidates []models.Detection
	for _, d := range dets {
		if d.Confidence >= conf {
			candidates = append(candidates, d)
		}
	}
	best, ok := inference.Best(candidates)
	if !ok {
		return models.StageOneResult{Status: models.StatusNoTransformerDetected}, nil, nil
	}

	bounds := img.Bounds()
	region := geometry.ClampBBox(best.BBox, bounds.Dx(), bounds.Dy())
	// a box entirely off the image clamps to nothing; padding must not revive it
	if region.Area() == 0 {
		return models.StageOneResult{Status: models.StatusNoTransformerDetected}, nil, nil
	}
	crop := geometry.PaddedCrop(region, p.padding, bounds.Dx(), bounds.Dy())
	if crop.Area() == 0 {
		return models.StageOneResult{Status: models.StatusNoTransformerDetected}, nil, nil
	}

	confidence := best.Confidence
	area := region.Area()
	return models.StageOneResult{
		Status:     models.StatusTransformerDetected,
		Confidence: &confidence,
		BBox:       &region,
		CropBBox:   &crop,
		RegionArea: &area,
	}, &crop, nil
}

// classify runs the classifier on the crop pixels; detections stay in crop space
func (p *TwoStagePipeline) classify(ctx context.Context, lease *inference.Lease, img image.Image, crop models.BBox, conf float64) (models.StageTwoResult, error) {
	result := models.StageTwoResult{
		Status:          models.StatusNoDefectsDetected,
		ClassesDetected: []string{},
	}
	if lease == nil {
		result.Status = models.StatusModelNotLoaded
		return result, nil
	}
	result.ModelVersion = lease.Version()

	dets, err := lease.Model().Infer(ctx, cropImage(img, crop), conf)
	if err != nil {
		return result, err
	}
	if len(dets) == 0 {
		return result, nil
	}

	seen := make(map[string]bool)
	for _, d := range dets {
		d.ClassName = p.className(d)
		d.Color = p.classes.Color(d.ClassID)
		d.Area = d.BBox.Area()
		result.Detections = append(result.Detections, d)

		if !seen[d.ClassName] {
			seen[d.ClassName] = true
			result.ClassesDetected = append(result.ClassesDetected, d.ClassName)
		}
	}

	sort.SliceStable(result.Detections, func(i, j int) bool {
		return result.Detections[i].Confidence > result.Detections[j].Confidence
	})
	sort.Strings(result.ClassesDetected)

	result.Status = models.StatusDefectsDetected
	result.DefectCount = len(result.Detections)
	return result, nil
}

// className prefers the table's name for known ids
func (p *TwoStagePipeline) className(d models.Detection) string {
	if d.ClassID >= 0 && d.ClassID < p.classes.Len() {
		return p.classes.Name(d.ClassID)
	}
	if d.ClassName != "" {
		return d.ClassName
	}
	return p.classes.Name(d.ClassID)
}

// cropImage copies the crop region into a new image with origin (0,0)
func cropImage(img image.Image, crop models.BBox) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, crop.Width(), crop.Height()))
	src := img.Bounds().Min.Add(image.Pt(crop[0], crop[1]))
	draw.Draw(out, out.Bounds(), img, src, draw.Src)
	return out
}
