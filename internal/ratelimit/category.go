// Package ratelimit throttles outbound calls per traffic category with a
// lazily refilled token bucket for the hourly budget and a counting gate for
// in-flight concurrency.
package ratelimit

import (
	"fmt"
	"strings"

	apperrors "tidal-guard/internal/common/errors"
)

// Category is a traffic class with its own budget and concurrency bound.
type Category string

const (
	CategorySearch   Category = "search"
	CategoryDownload Category = "download"
)

const codeUnknownCategory = "UNKNOWN_CATEGORY"

// ErrUnknownCategory matches any error returned for a category the limiter
// was not configured with.
var ErrUnknownCategory = apperrors.ValidationError("unknown category").WithCode(codeUnknownCategory)

func (c Category) String() string {
	return string(c)
}

// ParseCategory normalises s and checks it against the known categories.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategorySearch, CategoryDownload:
		return c, nil
	default:
		return "", unknownCategory(c)
	}
}

func unknownCategory(c Category) error {
	return apperrors.ValidationError(fmt.Sprintf("unknown category %q", string(c))).
		WithCode(codeUnknownCategory).
		WithContext("category", string(c))
}
