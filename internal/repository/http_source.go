package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go-defect-inspector/internal/storage"
)

// HTTPAnnotationSource implements AnnotationSource against the backend REST API
type HTTPAnnotationSource struct {
	baseURL string
	fetcher storage.Fetcher
}

// NewHTTPAnnotationSource creates a new HTTP-based annotation source
func NewHTTPAnnotationSource(baseURL string, fetcher storage.Fetcher) *HTTPAnnotationSource {
	return &HTTPAnnotationSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: fetcher,
	}
}

// ListImages retrieves every image record
func (r *HTTPAnnotationSource) ListImages(ctx context.Context) ([]ImageRecord, error) {
	var images []ImageRecord
	if err := r.fetcher.FetchJSON(ctx, r.baseURL+"/api/images", &images); err != nil {
		return nil, r.wrap(err)
	}
	return images, nil
}

// DownloadImage retrieves the image bytes by file name
func (r *HTTPAnnotationSource) DownloadImage(ctx context.Context, img ImageRecord) ([]byte, error) {
	if img.FileName == "" {
		return nil, fmt.Errorf("%w: image %d has no file name", ErrInvalidPayload, img.ID)
	}
	data, err := r.fetcher.Fetch(ctx, r.baseURL+"/api/images/download/"+url.PathEscape(img.FileName))
	if err != nil {
		return nil, r.wrap(err)
	}
	return data, nil
}

// ListAnnotations retrieves all annotations in one call
func (r *HTTPAnnotationSource) ListAnnotations(ctx context.Context) (map[int64][]AnnotationRecord, error) {
	var all []AnnotationRecord
	if err := r.fetcher.FetchJSON(ctx, r.baseURL+"/api/annotations/all", &all); err != nil {
		return nil, r.wrap(err)
	}

	byImage := make(map[int64][]AnnotationRecord)
	for _, a := range all {
		byImage[a.ImageID] = append(byImage[a.ImageID], a)
	}
	return byImage, nil
}

// ImageAnnotations retrieves the annotations of one image
func (r *HTTPAnnotationSource) ImageAnnotations(ctx context.Context, imageID int64) ([]AnnotationRecord, error) {
	var anns []AnnotationRecord
	if err := r.fetcher.FetchJSON(ctx, fmt.Sprintf("%s/api/annotations/image/%d", r.baseURL, imageID), &anns); err != nil {
		return nil, r.wrap(err)
	}
	return anns, nil
}

func (r *HTTPAnnotationSource) wrap(err error) error {
	var se *storage.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrImageNotFound, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
}
