// Package pipeline processes a batch of images: per-image segmentation,
// measurement and rendering with cache replay, run on a bounded worker pool.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid image state transition")

// ImageState is the lifecycle state of one image within a run.
type ImageState string

const (
	StatePending   ImageState = "PENDING"
	StateRunning   ImageState = "RUNNING"
	StateCompleted ImageState = "COMPLETED"
	StateFailed    ImageState = "FAILED"
	StateCached    ImageState = "CACHED"
	StateSkipped   ImageState = "SKIPPED"
)

// IsTerminal reports whether s is a final state.
func IsTerminal(s ImageState) bool {
	switch s {
	case StateCompleted, StateFailed, StateCached, StateSkipped:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether s produced measurements.
func IsSuccessful(s ImageState) bool {
	return s == StateCompleted || s == StateCached
}

// ExecutionState maps image IDs to their current state.
type ExecutionState map[string]ImageState

// Transition moves imageID from from to to. The caller supplies the expected
// prior state so races are observable. state is only mutated on success.
func Transition(state ExecutionState, imageID string, from, to ImageState) error {
	cur, ok := state[imageID]
	if !ok {
		return fmt.Errorf("%w: unknown image %q", ErrInvalidTransition, imageID)
	}
	if cur != from {
		return fmt.Errorf("%w: %q expected %s, got %s", ErrInvalidTransition, imageID, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %q %s -> %s", ErrInvalidTransition, imageID, from, to)
	}
	state[imageID] = to
	return nil
}

func isAllowedTransition(from, to ImageState) bool {
	switch from {
	case StatePending:
		return to == StateRunning || to == StateCached || to == StateSkipped
	case StateRunning:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}
