package engine

import "errors"

var (
	// ErrConfiguration indicates missing, contradictory or unusable options or config.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound indicates an accessor was called with an unknown key.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOption indicates a raw option with an unknown key, wrong type or value.
	ErrInvalidOption = errors.New("invalid option")
)
