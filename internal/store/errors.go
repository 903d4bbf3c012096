package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("already exists")
	// ErrStaleWrite is returned by guarded updates that matched no row: the
	// caller no longer owns the record or its expected state changed.
	ErrStaleWrite = errors.New("stale write")
)
