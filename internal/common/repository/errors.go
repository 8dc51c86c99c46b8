// Package repository provides instrumentation shared by all message
// store backends: operation metrics, error classification, and slow
// query logging.
package repository

import "errors"

var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey indicates a uniqueness constraint violation
	ErrDuplicateKey = errors.New("duplicate key")
)
