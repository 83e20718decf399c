package pipeline

import (
	"gonum.org/v1/gonum/stat"

	"go-defect-inspector/internal/classes"
	"go-defect-inspector/pkg/models"
)

// Severity level breakpoints; a score must be strictly above a breakpoint
const (
	CriticalAbove = 0.8
	HighAbove     = 0.5
	MediumAbove   = 0.3
)

// SeverityScore is the mean of confidence x class weight, 0 for no detections
func SeverityScore(detections []models.Detection) float64 {
	if len(detections) == 0 {
		return 0
	}
	scores := make([]float64, len(detections))
	for i, d := range detections {
		scores[i] = d.Confidence * classes.Weight(d.ClassName)
	}
	return stat.Mean(scores, nil)
}

// Level maps a result to its severity level. Without a located region the
// level is always NO_TRANSFORMER; with a region and no detections, NORMAL.
func Level(regionFound bool, detections int, score float64) models.SeverityLevel {
	switch {
	case !regionFound:
		return models.SeverityNoTransformer
	case detections == 0:
		return models.SeverityNormal
	case score > CriticalAbove:
		return models.SeverityCritical
	case score > HighAbove:
		return models.SeverityHigh
	case score > MediumAbove:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
