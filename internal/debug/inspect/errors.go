package inspect

import "errors"

// Inspection errors.
var (
	// ErrNoFrame indicates the requested stack level does not exist.
	ErrNoFrame = errors.New("no such stack frame")

	// ErrUnknownHandle indicates a handle that was never assigned or whose
	// value has been collected.
	ErrUnknownHandle = errors.New("unknown or collected handle")
)
