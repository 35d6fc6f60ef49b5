// Package walk holds the session and location sample model shared by the
// batcher, history store, outbox, and repository.
package walk

import (
	"time"

	"walksync/internal/errs"
)

type Status string

const (
	StatusUnknown    Status = ""
	StatusRequested  Status = "REQUESTED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusEmergency  Status = "EMERGENCY"
)

// Session is one walk engagement tracked end-to-end.
type Session struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	WalkerID    string    `json:"walker_id"`
	DogID       string    `json:"dog_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	Price       float64   `json:"price"`
	Status      Status    `json:"status"`
	MediaRefs   []string  `json:"media_refs,omitempty"`
	DistanceM   float64   `json:"distance_m"`
	DurationSec int64     `json:"duration_sec"`
}

// Sample is a single timestamped GPS reading.
type Sample struct {
	SessionID  string    `json:"session_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	SpeedMps   float64   `json:"speed_mps"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Validate rejects samples that cannot be a real fix: the (0,0) "no fix"
// sentinel, out-of-range coordinates, and zero timestamps.
func (s Sample) Validate() error {
	if s.Lat == 0 && s.Lng == 0 {
		return &errs.ValidationError{Field: "lat,lng", Reason: "no fix (0,0)"}
	}
	if s.Lat < -90 || s.Lat > 90 {
		return &errs.ValidationError{Field: "lat", Reason: "out of range"}
	}
	if s.Lng < -180 || s.Lng > 180 {
		return &errs.ValidationError{Field: "lng", Reason: "out of range"}
	}
	if s.RecordedAt.IsZero() {
		return &errs.ValidationError{Field: "recorded_at", Reason: "zero timestamp"}
	}
	return nil
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusRequested:  {StatusConfirmed, StatusCancelled, StatusEmergency},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusEmergency},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusEmergency},
	StatusEmergency:  {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change on the session.
func (s *Session) Transition(to Status) error {
	if to == StatusUnknown {
		return &errs.ValidationError{Field: "status", Reason: "unknown status"}
	}
	if !CanTransition(s.Status, to) {
		return &errs.InvalidTransition{From: string(s.Status), To: string(to)}
	}
	s.Status = to
	return nil
}
