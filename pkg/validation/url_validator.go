package validation

import (
	"net/url"
	"strconv"
	"strings"

	apperrors "go-defect-inspector/internal/errors"
)

// URLValidator checks the base URL of a remote collaborator (annotation
// source, inference sidecar). Request paths are appended to the base by the
// clients, so anything that would not survive that concatenation is rejected.
type URLValidator struct {
	allowedSchemes []string
}

// NewURLValidator accepts http and https base URLs
func NewURLValidator() *URLValidator {
	return &URLValidator{allowedSchemes: []string{"http", "https"}}
}

// ValidateURL reports whether rawURL is usable as a collaborator base URL
func (v *URLValidator) ValidateURL(rawURL string) error {
	_, err := v.NormalizeBaseURL(rawURL)
	return err
}

// NormalizeBaseURL validates rawURL and returns it without trailing slashes,
// ready for "base + /path" joins. A path prefix is kept for collaborators
// mounted behind a proxy.
func (v *URLValidator) NormalizeBaseURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", apperrors.NewValidationError("URL cannot be empty", nil)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", apperrors.NewValidationError("Invalid URL format", err)
	}
	if !v.isSchemeAllowed(u.Scheme) {
		return "", apperrors.NewValidationError("URL scheme not allowed", nil)
	}
	if u.Hostname() == "" {
		return "", apperrors.NewValidationError("URL must have a valid host", nil)
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return "", apperrors.NewValidationError("URL port out of range", err)
		}
	}
	if u.User != nil {
		return "", apperrors.NewValidationError("URL must not carry credentials", nil)
	}
	if u.RawQuery != "" || u.ForceQuery {
		return "", apperrors.NewValidationError("base URL must not have a query", nil)
	}
	if u.Fragment != "" {
		return "", apperrors.NewValidationError("base URL must not have a fragment", nil)
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

func (v *URLValidator) isSchemeAllowed(scheme string) bool {
	for _, allowed := range v.allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}
