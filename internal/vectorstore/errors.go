package vectorstore

import "errors"

var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates a malformed identity, embedding or query.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVectorNotFound is returned by getters when no live record exists.
	// Removal never returns it.
	ErrVectorNotFound = errors.New("vector not found")

	// ErrDimensionMismatch indicates an embedding of the wrong size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexFailed wraps failures of the index backend.
	ErrIndexFailed = errors.New("index operation failed")

	// ErrConnectionFailed indicates the remote index could not be reached.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidCollectionName indicates a collection name that does not
	// match ^[a-z0-9_]{1,64}$.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)
