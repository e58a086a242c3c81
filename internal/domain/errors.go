// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates malformed input that retrying cannot fix.
var ErrValidation = errors.New("validation failed")

// ErrTransient indicates a failure that may succeed if retried, such as a
// dropped connection or a serialization conflict.
var ErrTransient = errors.New("transient failure")

// ErrConflict indicates the entity already exists.
var ErrConflict = errors.New("conflict: resource already exists")
