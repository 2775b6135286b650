package connectors

import (
	"errors"
	"fmt"
)

// ErrNotFound marks a provider 404 or empty-result condition. Callers resolve
// it to an empty batch, never an error.
var ErrNotFound = errors.New("provider resource not found")

// ProviderError classifies a failed provider call. Transient failures are
// retried and propagate only once retries exhaust; permanent ones degrade to
// an empty batch at the connector boundary.
type ProviderError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s provider error (status %d): %v", e.Provider, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s provider error: %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}
