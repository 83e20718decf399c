package repository

import "errors"

var (
	// ErrImageNotFound indicates the image was not found in the annotation source
	ErrImageNotFound = errors.New("image not found")

	// ErrRepositoryUnavailable indicates the annotation source could not be reached
	ErrRepositoryUnavailable = errors.New("annotation source unavailable")

	// ErrInvalidPayload indicates the annotation source returned data we cannot use
	ErrInvalidPayload = errors.New("invalid annotation source payload")
)
