package validation

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrInvalidURL    = errors.New("invalid url")
)

// ValidateFilePath rejects an empty path and, if mustExist, one that
// does not resolve to an existing file.
func ValidateFilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	if !filepath.IsAbs(p) {
		p = filepath.Clean(p)
	}
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

// ValidateStringNonEmpty rejects the empty string.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

// ValidateURL rejects strings that are not well-formed absolute http(s)
// URLs, used for the coordination service base URL override. Chunk URLs
// themselves are expected to be HTTPS in production (spec'd at the
// coordination service, not re-validated client-side), but the
// coordination endpoint itself may legitimately be plain HTTP behind a
// local reverse proxy or in a test harness.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: must be an absolute http(s) url", ErrInvalidURL)
	}
	return nil
}
