package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/common/utils"
)

// OpenError is returned by Execute while the breaker rejects calls. It
// matches apperrors.ErrCircuitOpen with errors.Is.
type OpenError struct {
	Name    string
	ResetAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, %s", e.Name, e.ResumeMessage())
}

// ResumeMessage renders the reset time for people: "resumes at 15:04:05".
func (e *OpenError) ResumeMessage() string {
	return "resumes at " + utils.FormatClock(e.ResetAt)
}

// Is reports whether target is the circuit-open kind.
func (e *OpenError) Is(target error) bool {
	return errors.Is(apperrors.CircuitOpenError(e.Name, e.ResetAt), target)
}

// AsOpenError extracts an *OpenError from err's chain.
func AsOpenError(err error) (*OpenError, bool) {
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr, true
	}
	return nil, false
}
