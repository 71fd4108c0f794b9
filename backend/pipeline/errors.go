package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/andi/reportflow/backend/converter"
	"github.com/andi/reportflow/backend/models"
	"github.com/andi/reportflow/backend/publisher"
	"github.com/andi/reportflow/backend/stability"
	"github.com/andi/reportflow/backend/transform"
)

var (
	// ErrActive is returned when a retry is requested for a file still in progress
	ErrActive = errors.New("file is still being processed")
	// ErrStopped is returned once shutdown has begun
	ErrStopped = errors.New("pipeline is shutting down")
)

// ProcessingError attaches a failure to the source file it happened to
type ProcessingError struct {
	Kind models.FailureKind
	Path string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s: %v", filepath.Base(e.Path), e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure kind is retried automatically
func (e *ProcessingError) Retryable() bool {
	return e.Kind == models.FailureUnstable || e.Kind == models.FailurePublish
}

// classify maps a stage error to its failure kind
func classify(err error) models.FailureKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrPoolClosed):
		return models.FailureCancelled
	case errors.Is(err, stability.ErrTimedOut):
		return models.FailureUnstable
	case errors.Is(err, converter.ErrUnavailable), errors.Is(err, converter.ErrConversion):
		return models.FailureConversion
	case errors.Is(err, transform.ErrTransform):
		return models.FailureTransform
	case errors.Is(err, publisher.ErrPublish):
		return models.FailurePublish
	}
	return ""
}
