package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a uniqueness constraint rejected the write, such as a
// second orchestrator claiming an already assigned group.
var ErrConflict = errors.New("repository: conflict")
