package images

import (
	"errors"
	"testing"
)

func TestCanTransitionFollowsLifecycle(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusCompressing},
		{StatusCompressing, StatusCompressed},
		{StatusCompressing, StatusFailed},
		{StatusCompressed, StatusUploading},
		{StatusUploading, StatusUploaded},
		{StatusUploading, StatusCompressed},
		{StatusUploading, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusFailed, StatusCompressed},
	}
	for _, edge := range allowed {
		if !CanTransition(edge.from, edge.to) {
			t.Fatalf("expected %s -> %s to be allowed", edge.from, edge.to)
		}
	}

	rejected := []struct{ from, to Status }{
		{StatusPending, StatusUploaded},
		{StatusUploaded, StatusPending},
		{StatusUploaded, StatusFailed},
		{StatusCompressed, StatusPending},
		{StatusPending, StatusUploading},
	}
	for _, edge := range rejected {
		if CanTransition(edge.from, edge.to) {
			t.Fatalf("expected %s -> %s to be rejected", edge.from, edge.to)
		}
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Uploaded ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusUploaded {
		t.Fatalf("expected uploaded, got %s", status)
	}
	if _, err := ParseStatus("archived"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}
