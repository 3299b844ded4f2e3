package object

import "errors"

// Sentinel errors for programmatic handling. ErrCorrupt indicates an
// integrity failure (hash mismatch or undecodable object) and is fatal for
// the handle that observed it; ErrNotFound is an ordinary miss.
var (
	ErrNotFound = errors.New("object not found")
	ErrCorrupt  = errors.New("object store corrupt")
)
