package epoch

import (
	"errors"

	"github.com/epochdb/epoch/branch"
	"github.com/epochdb/epoch/index"
	"github.com/epochdb/epoch/object"
	"github.com/epochdb/epoch/query"
	"github.com/epochdb/epoch/repo"
)

// Sentinel errors from the subpackages, re-exported so callers can match
// with errors.Is against this package alone.
var (
	ErrNotFound       = repo.ErrNotFound
	ErrInvalidID      = repo.ErrInvalidID
	ErrWriteConflict  = repo.ErrWriteConflict
	ErrBranchNotFound = branch.ErrNotFound
	ErrInvalidQuery   = query.ErrInvalidQuery
	ErrExecution      = query.ErrExecution
	ErrCorrupt        = object.ErrCorrupt
	ErrInconsistent   = index.ErrInconsistent

	// ErrClosed is returned by every operation after Close, or after a
	// storage corruption has been detected on this handle.
	ErrClosed = errors.New("database closed")
)
