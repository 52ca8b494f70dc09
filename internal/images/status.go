package images

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the persisted lifecycle state of a captured receipt image.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompressing Status = "compressing"
	StatusCompressed  Status = "compressed"
	StatusUploading   Status = "uploading"
	StatusUploaded    Status = "uploaded"
	StatusFailed      Status = "failed"
)

// ErrInvalidTransition is returned when a status change is not an edge of the lifecycle graph,
// or when the stored row is no longer in the expected source status.
var ErrInvalidTransition = errors.New("images: invalid status transition")

// ErrUnknownStatus indicates a status string outside the lifecycle.
var ErrUnknownStatus = errors.New("images: unknown status")

var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusCompressing},
	StatusCompressing: {StatusCompressed, StatusFailed, StatusPending},
	StatusCompressed:  {StatusUploading, StatusFailed},
	StatusUploading:   {StatusUploaded, StatusCompressed, StatusFailed},
	StatusFailed:      {StatusPending, StatusCompressed},
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case StatusPending, StatusCompressing, StatusCompressed, StatusUploading, StatusUploaded, StatusFailed:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no automatic transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusUploaded || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
