package storage

import "errors"

// ErrNotFound is returned when no snapshot exists for an element.
var ErrNotFound = errors.New("element not found")
