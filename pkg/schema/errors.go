package schema

import "errors"

// Builder errors. Every rejected call wraps exactly one of these.
var (
	ErrInvalidVersion       = errors.New("invalid version")
	ErrDuplicateCollection  = errors.New("collection is already defined")
	ErrDuplicateIndex       = errors.New("index is already defined")
	ErrUnknownCollection    = errors.New("collection is not defined")
	ErrUnknownIndex         = errors.New("index is not defined")
	ErrNoCollectionSelected = errors.New("select a collection first")
	ErrInvalidOptions       = errors.New("invalid options")
)
