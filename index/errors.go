package index

import "errors"

// ErrInconsistent means the index's visible id set diverged from the
// store. It is never tolerated silently: the caller rebuilds the branch.
var ErrInconsistent = errors.New("index inconsistent with store")
