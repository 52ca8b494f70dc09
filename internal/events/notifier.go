package events

import (
	"context"
	"sync"
	"time"
)

// Type names a pipeline event as delivered to the presentation layer.
type Type string

const (
	ImagePending     Type = "image:pending"
	ImageCompressing Type = "image:compressing"
	ImageProgress    Type = "image:progress"
	ImageCompressed  Type = "image:compressed"
	ImageDuplicate   Type = "image:duplicate"
	ImageQueued      Type = "image:queued"
	ImageFailed      Type = "image:failed"
	ImageDeleted     Type = "image:deleted"

	UploadProgress      Type = "upload:progress"
	UploadComplete      Type = "upload:complete"
	UploadFailed        Type = "upload:failed"
	UploadBatchComplete Type = "upload:batch-complete"
	UploadPaused        Type = "upload:paused"
	UploadResumed       Type = "upload:resumed"

	QuotaReset Type = "quota:reset"

	defaultBufferSize = 64
)

// Event is a single notification. Unused fields stay at their zero value.
type Event struct {
	Type       Type              `json:"type"`
	ImageID    string            `json:"image_id,omitempty"`
	TraceID    string            `json:"trace_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Error      string            `json:"error,omitempty"`
	Percent    int               `json:"percent,omitempty"`
	WillRetry  bool              `json:"will_retry,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Notifier fans events out to every live subscriber. Slow subscribers lose events rather than stall producers.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[int64]chan Event),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup is called.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, n.bufferSize)
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subscribers[id] = stream
	n.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, id)
			n.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (n *Notifier) Publish(event Event) {
	if n == nil || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = n.clock().UTC()
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, stream := range n.subscribers {
		select {
		case stream <- event:
		default:
		}
	}
}

type discard struct{}

func (discard) Publish(Event) {}

// OrDiscard returns publisher, or a publisher that drops everything when it is nil.
func OrDiscard(publisher Publisher) Publisher {
	if publisher == nil {
		return discard{}
	}
	if notifier, ok := publisher.(*Notifier); ok && notifier == nil {
		return discard{}
	}
	return publisher
}
