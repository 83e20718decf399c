package repository

import (
	"context"
	"time"
)

// ImageType distinguishes reference images from maintenance captures
type ImageType string

const (
	ImageTypeBaseline    ImageType = "BASELINE"
	ImageTypeMaintenance ImageType = "MAINTENANCE"
)

// AnnotationSource is the read-only view of the annotation backend used to
// build training datasets
type AnnotationSource interface {
	// ListImages returns every image record
	ListImages(ctx context.Context) ([]ImageRecord, error)

	// DownloadImage returns the raw bytes of an image
	DownloadImage(ctx context.Context, img ImageRecord) ([]byte, error)

	// ListAnnotations returns all annotations grouped by image id
	ListAnnotations(ctx context.Context) (map[int64][]AnnotationRecord, error)

	// ImageAnnotations returns the annotations of a single image
	ImageAnnotations(ctx context.Context, imageID int64) ([]AnnotationRecord, error)
}

// ImageRecord is an image as listed by the annotation source
type ImageRecord struct {
	ID            int64      `json:"id"`
	FileName      string     `json:"fileName"`
	FilePath      string     `json:"filePath,omitempty"`
	FileType      string     `json:"fileType,omitempty"`
	ImageType     ImageType  `json:"imageType"`
	TransformerID *int64     `json:"transformerId,omitempty"`
	UploadedAt    *time.Time `json:"uploadDate,omitempty"`
}

// AnnotationRecord is one labelled box in original image pixels
type AnnotationRecord struct {
	ID              int64    `json:"id"`
	ImageID         int64    `json:"imageId"`
	ClassID         int      `json:"classId"`
	ClassName       string   `json:"className"`
	ConfidenceScore *float64 `json:"confidenceScore,omitempty"`
	BBoxX1          float64  `json:"bboxX1"`
	BBoxY1          float64  `json:"bboxY1"`
	BBoxX2          float64  `json:"bboxX2"`
	BBoxY2          float64  `json:"bboxY2"`
	IsActive        *bool    `json:"isActive,omitempty"`
	AnnotationType  string   `json:"annotationType,omitempty"`
}

// Active reports whether the annotation should be exported. A missing flag
// counts as active.
func (a AnnotationRecord) Active() bool {
	return a.IsActive == nil || *a.IsActive
}
