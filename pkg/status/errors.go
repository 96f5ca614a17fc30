package status

import (
	"errors"
	"fmt"

	"github.com/ormasoftchile/playtrace/pkg/event"
)

// ErrProtocolViolation matches every event that is well-formed but does
// not fit the current tree.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrStaleEpoch is returned when a call names an epoch that was superseded
// by Reset.
var ErrStaleEpoch = errors.New("stale epoch")

// ViolationError describes a rejected event. The tree is left untouched.
type ViolationError struct {
	Kind   event.Kind
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s: %s", e.Kind, e.Reason)
}

func (e *ViolationError) Is(target error) bool { return target == ErrProtocolViolation }

func violation(kind event.Kind, format string, args ...any) error {
	return &ViolationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
