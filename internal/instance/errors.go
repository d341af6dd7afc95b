package instance

import "errors"

var (
	// ErrTimestampCollision is returned by Create when an instance with the
	// same timestamp already exists.
	ErrTimestampCollision = errors.New("instance timestamp collision")

	// ErrClockRegression is returned by Create when the clock reads earlier
	// than the latest instance.
	ErrClockRegression = errors.New("instance clock regression")

	// ErrSealed is returned when appending to or sealing a sealed instance.
	ErrSealed = errors.New("instance is sealed")

	// ErrNotSealed is returned when reading the offer stream of an instance
	// that has not been sealed.
	ErrNotSealed = errors.New("instance is not sealed")

	// ErrNotFound is returned when a named instance does not exist.
	ErrNotFound = errors.New("instance not found")
)
