package core

import "errors"

// ErrNotFound is returned when a requested state object does not exist.
var ErrNotFound = errors.New("not found")
