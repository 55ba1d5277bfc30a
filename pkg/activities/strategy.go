package activities

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/mouradhm/content-dbsync/pkg/logger"
	"github.com/mouradhm/content-dbsync/pkg/models"
	"github.com/mouradhm/content-dbsync/pkg/runner"
)

var log = logger.Get("Activities")

// ErrFallbackRequired is returned by Open when the direct transfer path
// cannot be used in this environment. The caller is expected to switch
// to dump/restore.
var ErrFallbackRequired = errors.New("direct transfer unavailable, fallback to dump/restore required")

// Phase is one pass over the collection list, e.g. exporting every
// collection. Run handles a single collection.
type Phase struct {
	Role models.Role
	Run  func(ctx context.Context, collection string) (models.TransferResult, error)
}

// Strategy moves collections from the source deployment to the
// destination. The orchestrator runs each phase over every collection
// before starting the next phase.
type Strategy interface {
	Name() string
	Open(ctx context.Context) error
	Phases() []Phase
	Close(ctx context.Context) error
}

// Counter counts the documents of a destination collection.
type Counter interface {
	CountDocuments(ctx context.Context, collection string) (int64, error)
}

// CommandRunner runs external tools. *runner.Runner implements it.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command, timeout time.Duration) (*runner.Output, error)
}

// VerificationWarning records a collection whose destination count
// could not be obtained. It is never fatal.
type VerificationWarning struct {
	Collection string
	Err        error
}

func (w *VerificationWarning) Error() string {
	return fmt.Sprintf("could not count %s: %v", w.Collection, w.Err)
}

func (w *VerificationWarning) Unwrap() error {
	return w.Err
}

func failedResult(res models.TransferResult, start time.Time, err error) (models.TransferResult, error) {
	res.Success = false
	res.Elapsed = time.Since(start)
	res.Error = err.Error()
	return res, err
}
