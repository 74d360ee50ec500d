package settings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the user declines a permission
	// request. Nothing is persisted.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransport wraps failures talking to the store, the coordinator or
	// the permission subsystem.
	ErrTransport = errors.New("transport failure")
	// ErrCorrupt is returned for any backup document that does not parse.
	ErrCorrupt = errors.New("corrupt backup document")
	// ErrTransitionPending is returned when a toggle already has a transition
	// in flight.
	ErrTransitionPending = errors.New("transition already pending")
	// ErrTimeout is returned when a round trip does not finish in time.
	ErrTimeout = errors.New("timed out")

	ErrUnknownToggle = errors.New("unknown toggle")
	ErrInvalidSlot   = errors.New("invalid shortcut slot")
)

// CorruptMessage is shown for every unparseable backup, whatever the cause.
const CorruptMessage = "The file is corrupted, or isn't a container backup file."

// classify wraps a collaborator error as ErrTimeout or ErrTransport while
// keeping the cause reachable through errors.Is.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// StatusMessage renders err as the one-line status shown to the user.
// Transport failures are surfaced verbatim.
func StatusMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCorrupt):
		return CorruptMessage
	case errors.Is(err, ErrPermissionDenied):
		return "Permission was not granted; the setting was left off."
	case errors.Is(err, ErrTransitionPending):
		return "A change to this setting is still in progress."
	case errors.Is(err, ErrTimeout):
		return "The request timed out. Try again."
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}
