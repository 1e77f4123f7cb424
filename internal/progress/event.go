package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StagePhaseStart Stage = "PHASE_START"
	StageItemDone   Stage = "ITEM_DONE"
	StagePhaseDone  Stage = "PHASE_DONE"
	StageRunDone    Stage = "RUN_DONE"
	StageRunError   Stage = "RUN_ERROR"
)

// Event captures one pipeline milestone.
type Event struct {
	// RunID identifies the pipeline run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Phase scopes phase and item events.
	Phase string
	// Index is the item's position in the phase input.
	Index int
	// Item is a short label for the item (product name or page URL).
	Item       string
	Status     string
	Diagnostic string
	// Succeeded, Failed and Skipped carry phase totals on PHASE_DONE.
	Succeeded int
	Failed    int
	Skipped   int
	Dur       time.Duration
	// Note carries low-volume context such as the fatal error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePhaseStart, StagePhaseDone:
		if e.Phase == "" {
			return fmt.Errorf("%s requires phase", e.Stage)
		}
	case StageItemDone:
		if e.Phase == "" {
			return errors.New("item done requires phase")
		}
		if e.Status == "" {
			return errors.New("item done requires status")
		}
		if e.Index < 0 {
			return errors.New("item index must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
