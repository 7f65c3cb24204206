package reembed

import "errors"

var (
	// ErrInvalidMaxAttempts is returned when a backoff allows no attempts.
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

	// ErrRepositoryRequired is returned when the chunk repository is not provided.
	ErrRepositoryRequired = errors.New("chunk repository required")

	// ErrIndexRequired is returned when the vector index is not provided.
	ErrIndexRequired = errors.New("vector index required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")
)
