package dispatcher

import "errors"

var (
	// ErrInvalidCommand is returned for a malformed target or action.
	ErrInvalidCommand = errors.New("dispatcher: invalid command")

	// ErrCommandAlreadyPending is returned when the target already has a
	// command awaiting a response. Nothing is published.
	ErrCommandAlreadyPending = errors.New("dispatcher: command already pending for target")

	// ErrTransport is returned when the command could not be published.
	ErrTransport = errors.New("dispatcher: transport error")

	// ErrTimeout means no response arrived in time. The outcome is unknown:
	// the device may still execute the command.
	ErrTimeout = errors.New("dispatcher: command timed out")

	// ErrCancelled means the caller gave up waiting. As with ErrTimeout the
	// command may still execute.
	ErrCancelled = errors.New("dispatcher: command cancelled")

	// ErrDeviceRejected is returned when the device answered with a
	// non-success result.
	ErrDeviceRejected = errors.New("dispatcher: device rejected command")
)
