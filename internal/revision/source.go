// Package revision fetches the jobs scheduled for a try revision from the
// build-status service.
package revision

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/mattjoyce/tryextender/internal/buildstatus"
)

var (
	// ErrRevisionNotFound means the service has no jobs for the revision.
	// It is a valid empty result, not a failure.
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrFetchFailed is a transient failure talking to the service; callers may retry.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrInvalidRevision is returned for identifiers that are not changeset hashes.
	ErrInvalidRevision = errors.New("invalid revision")
)

// Record is one (builder, status) pair reported for a revision. A builder
// may appear several times when jobs were retried.
type Record struct {
	Builder string           `json:"buildername"`
	Status  buildstatus.Code `json:"status"`
}

// Source returns the raw job records for a revision.
type Source interface {
	FetchJobs(ctx context.Context, rev string) ([]Record, error)
}

var revisionPattern = regexp.MustCompile(`^(?:[0-9a-f]{12}|[0-9a-f]{40})$`)

// Validate checks that rev is a short (12) or full (40) lowercase hex changeset id.
func Validate(rev string) error {
	if !revisionPattern.MatchString(rev) {
		return fmt.Errorf("%w: %q", ErrInvalidRevision, rev)
	}
	return nil
}
