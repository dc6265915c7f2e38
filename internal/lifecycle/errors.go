package lifecycle

import (
	"errors"
	"fmt"

	"github.com/abhisek/rehearse/internal/apperr"
	"github.com/abhisek/rehearse/internal/store"
)

// AnalysisRequiredError refuses a new theory session while the previous
// one for the same employee and scenario still awaits assessment.
type AnalysisRequiredError struct {
	BlockingSessionID string
}

func (e *AnalysisRequiredError) Error() string {
	return fmt.Sprintf("analysis required: session %s has not been assessed", e.BlockingSessionID)
}

// BlockingSession extracts the blocking session ID from an error chain.
func BlockingSession(err error) (string, bool) {
	var ar *AnalysisRequiredError
	if errors.As(err, &ar) {
		return ar.BlockingSessionID, true
	}
	return "", false
}

// storeErr classifies a repository error for the session being operated on.
func storeErr(op, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.E(apperr.KindNotFound, op, fmt.Sprintf("session %s not found", id), err)
	}
	if errors.Is(err, store.ErrAssessed) {
		return apperr.E(apperr.KindConflict, op, fmt.Sprintf("session %s is already assessed", id), err)
	}
	return apperr.E(apperr.KindInternal, op, "", err)
}
