package repository

import "errors"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInUse is returned when a row is still referenced by a live broadcast.
var ErrInUse = errors.New("in use")
