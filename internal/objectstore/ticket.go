package objectstore

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Ticket is a short-lived authorization to PUT one object.
type Ticket struct {
	URL       string
	Key       string
	ExpiresAt time.Time
}

// TicketIssuer hands out presigned upload tickets.
type TicketIssuer interface {
	RequestTicket(ctx context.Context, userID, filename, intentID string) (Ticket, error)
}

// Remover deletes stored objects.
type Remover interface {
	Remove(ctx context.Context, key string) error
}

// ObjectKey is <prefix>/<userID>/<intentID><ext>. The intent id makes re-uploads of the same image idempotent.
func ObjectKey(prefix, userID, intentID, filename string) string {
	extension := strings.ToLower(filepath.Ext(filename))
	if extension == "" {
		extension = ".jpg"
	}
	segments := make([]string, 0, 3)
	if trimmed := strings.Trim(prefix, "/"); trimmed != "" {
		segments = append(segments, trimmed)
	}
	segments = append(segments, userID, intentID+extension)
	return path.Join(segments...)
}
