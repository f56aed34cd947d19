// Package region tracks the country the catalog is queried for.
package region

import (
	"strings"
	"sync"

	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/common/logging"
)

// DefaultCountryCode is used until a valid code is supplied.
const DefaultCountryCode = "US"

// CountryCodeSource is anything that can report a country code.
type CountryCodeSource interface {
	CountryCode() string
}

// CountryManager owns the ISO 3166-1 alpha-2 country code used for catalog
// lookups.
type CountryManager struct {
	mu     sync.RWMutex
	code   string
	logger logging.Logger
}

// NewCountryManager creates a manager starting at DefaultCountryCode.
func NewCountryManager(logger logging.Logger) *CountryManager {
	return &CountryManager{
		code:   DefaultCountryCode,
		logger: logging.OrNop(logger),
	}
}

// CountryCode returns the current code.
func (m *CountryManager) CountryCode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}

// Update takes the code from src and reports whether it changed. An invalid
// code leaves the current one in place and returns a validation error.
func (m *CountryManager) Update(src CountryCodeSource) (bool, error) {
	if src == nil {
		return false, apperrors.ValidationError("country code source is nil")
	}

	code, err := Normalize(src.CountryCode())
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	previous := m.code
	m.code = code
	m.mu.Unlock()

	if previous == code {
		return false, nil
	}

	m.logger.Info("Country code changed",
		logging.String("previous", previous),
		logging.String("country_code", code),
	)
	return true, nil
}

// Normalize trims and upper-cases code and checks it is two ASCII letters.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 || !isLetter(code[0]) || !isLetter(code[1]) {
		return "", apperrors.ValidationError("invalid country code").
			WithCode("INVALID_COUNTRY_CODE").
			WithContext("country_code", code)
	}
	return code, nil
}

func isLetter(b byte) bool {
	return b >= 'A' && b <= 'Z'
}
