package store

import "errors"

// ErrNotFound is returned when a cached record does not exist.
var ErrNotFound = errors.New("record not found")
