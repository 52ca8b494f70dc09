// Package capture serializes compression of captured receipt images and
// filters duplicates before anything reaches the upload queue.
package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/compress"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/events"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// State of the capture machine. At most one item is compressing at a time.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"

	DuplicateReasonQueue    = "queue"
	DuplicateReasonDatabase = "database"
)

var (
	ErrMissingItemFields = errors.New("capture: image, trace, intent and user ids and source path are required")
	ErrItemInFlight      = errors.New("capture: image is being compressed")
	errMissingStore      = errors.New("capture: image store required")
	errMissingCompressor = errors.New("capture: compressor required")
)

// Item is one captured image awaiting compression.
type Item struct {
	ImageID    string `json:"image_id"`
	TraceID    string `json:"trace_id"`
	IntentID   string `json:"intent_id"`
	UserID     string `json:"user_id"`
	SourcePath string `json:"source_path"`
}

func (i Item) valid() bool {
	return i.ImageID != "" && i.TraceID != "" && i.IntentID != "" && i.UserID != "" && i.SourcePath != ""
}

// Compressor produces the compressed artifact for one image.
type Compressor interface {
	Compress(ctx context.Context, sourcePath, imageID string) (compress.Result, error)
}

// Handoff receives images that reached compressed.
type Handoff func(ctx context.Context, image images.Image) error

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State   State  `json:"state"`
	Current *Item  `json:"current,omitempty"`
	Pending []Item `json:"pending"`
}

type Config struct {
	Store      *images.Store
	Compressor Compressor
	Handoff    Handoff
	Publisher  events.Publisher
	Logger     *zap.Logger
}

// Queue is the capture state machine.
type Queue struct {
	store      *images.Store
	compressor Compressor
	handoff    Handoff
	publisher  events.Publisher
	logger     *zap.Logger

	mu            sync.Mutex
	state         State
	current       *Item
	items         []Item
	queued        map[string]struct{}
	sessionHashes map[string]string
	wake          chan struct{}
}

func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Compressor == nil {
		return nil, errMissingCompressor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:         cfg.Store,
		compressor:    cfg.Compressor,
		handoff:       cfg.Handoff,
		publisher:     events.OrDiscard(cfg.Publisher),
		logger:        logger,
		state:         StateIdle,
		queued:        make(map[string]struct{}),
		sessionHashes: make(map[string]string),
		wake:          make(chan struct{}, 1),
	}, nil
}

// Enqueue persists a pending row for item and queues it. Enqueueing an id that is
// already queued or already persisted is a no-op.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	if !item.valid() {
		return ErrMissingItemFields
	}
	if q.isTracked(item.ImageID) {
		return nil
	}

	inserted, err := q.store.InsertPending(ctx, images.Image{
		ID:           item.ImageID,
		UserID:       item.UserID,
		TraceID:      item.TraceID,
		IntentID:     item.IntentID,
		OriginalPath: item.SourcePath,
	})
	if err != nil {
		return err
	}
	if !inserted {
		q.logger.Debug("capture enqueue ignored, image already persisted", zap.String("image_id", item.ImageID))
		return nil
	}

	q.push(item)
	q.publisher.Publish(events.Event{Type: events.ImagePending, ImageID: item.ImageID, TraceID: item.TraceID, UserID: item.UserID})
	return nil
}

// Seed queues items whose pending rows already exist.
func (q *Queue) Seed(items []Item) int {
	seeded := 0
	for _, item := range items {
		if !item.valid() || q.isTracked(item.ImageID) {
			continue
		}
		q.push(item)
		seeded++
	}
	return seeded
}

func (q *Queue) isTracked(imageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.queued[imageID]
	return queued || (q.current != nil && q.current.ImageID == imageID)
}

func (q *Queue) push(item Item) {
	q.mu.Lock()
	if _, exists := q.queued[item.ImageID]; !exists {
		q.items = append(q.items, item)
		q.queued[item.ImageID] = struct{}{}
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Remove drops a pending item that has not started compressing. The item
// being compressed cannot be removed.
func (q *Queue) Remove(imageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.ImageID == imageID {
		return false, ErrItemInFlight
	}
	for index, item := range q.items {
		if item.ImageID == imageID {
			q.items = append(q.items[:index], q.items[index+1:]...)
			delete(q.queued, imageID)
			return true, nil
		}
	}
	return false, nil
}

// Forget drops the session hash remembered for imageID.
func (q *Queue) Forget(imageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for hash, owner := range q.sessionHashes {
		if owner == imageID {
			delete(q.sessionHashes, hash)
		}
	}
}

// RepointOwner rewrites the owner of queued items after a login migration.
func (q *Queue) RepointOwner(oldUserID, newUserID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for index := range q.items {
		if q.items[index].UserID == oldUserID {
			q.items[index].UserID = newUserID
		}
	}
	if q.current != nil && q.current.UserID == oldUserID {
		q.current.UserID = newUserID
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := Snapshot{State: q.state, Pending: append([]Item(nil), q.items...)}
	if q.current != nil {
		current := *q.current
		snapshot.Current = &current
	}
	return snapshot
}

// Run drives the machine until ctx is done. Persistence failures stop the loop;
// an image removed mid-compression only ends its own item.
func (q *Queue) Run(ctx context.Context) error {
	for {
		for {
			processed, err := q.ProcessNext(ctx)
			if err != nil {
				return err
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

// ProcessNext compresses the head of the queue. It reports false when there was nothing to do.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.state == StateProcessing || len(q.items) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.state = StateProcessing
	q.current = &item
	q.mu.Unlock()

	requeue := false
	defer func() {
		q.mu.Lock()
		q.state = StateIdle
		q.current = nil
		if requeue {
			q.items = append([]Item{item}, q.items...)
		} else {
			delete(q.queued, item.ImageID)
		}
		q.mu.Unlock()
	}()

	logger := q.logger.With(zap.String("image_id", item.ImageID), zap.String("trace_id", item.TraceID))

	if err := q.store.Transition(ctx, item.ImageID, images.StatusPending, images.StatusCompressing); err != nil {
		if errors.Is(err, images.ErrInvalidTransition) {
			logger.Info("capture skipped image no longer pending")
			return true, nil
		}
		requeue = true
		return false, err
	}
	q.publisher.Publish(events.Event{Type: events.ImageCompressing, ImageID: item.ImageID, TraceID: item.TraceID, UserID: item.UserID})

	result, err := q.compressor.Compress(ctx, item.SourcePath, item.ImageID)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-compression: recovery resets compressing rows to pending.
			return false, nil
		}
		logger.Warn("compression failed", zap.Error(err))
		if markErr := q.store.MarkFailed(ctx, item.ImageID, images.StatusCompressing, err.Error()); markErr != nil {
			return false, markErr
		}
		q.publisher.Publish(events.Event{Type: events.ImageFailed, ImageID: item.ImageID, TraceID: item.TraceID, UserID: item.UserID, Error: err.Error()})
		return true, nil
	}
	q.publisher.Publish(events.Event{Type: events.ImageProgress, ImageID: item.ImageID, TraceID: item.TraceID, Percent: 100})

	duplicateOf, reason, err := q.findDuplicate(ctx, item.ImageID, result.ContentHash)
	if err != nil {
		return false, err
	}
	if reason != "" {
		if err := compress.Remove(result.OutputPath); err != nil {
			logger.Warn("duplicate artifact cleanup failed", zap.Error(err))
		}
		if err := q.store.DeleteUnsettled(ctx, item.ImageID); err != nil {
			if vanished(err) {
				logger.Info("duplicate image already removed")
				return true, nil
			}
			return false, err
		}
		logger.Info("duplicate image dropped", zap.String("duplicate_of", duplicateOf), zap.String("reason", reason))
		q.publisher.Publish(events.Event{
			Type:    events.ImageDuplicate,
			ImageID: item.ImageID,
			TraceID: item.TraceID,
			UserID:  item.UserID,
			Reason:  reason,
			Details: map[string]string{"duplicate_of": duplicateOf},
		})
		return true, nil
	}

	artifact := images.CompressedArtifact{
		Path:         result.OutputPath,
		Size:         result.OutputSize,
		OriginalSize: result.OriginalSize,
		ContentHash:  result.ContentHash,
	}
	if err := q.store.MarkCompressed(ctx, item.ImageID, artifact); err != nil {
		if vanished(err) {
			q.discard(logger, item.ImageID, result.OutputPath)
			return true, nil
		}
		return false, err
	}
	q.mu.Lock()
	q.sessionHashes[result.ContentHash] = item.ImageID
	q.mu.Unlock()

	logger.Info("image compressed",
		zap.String("original_size", humanize.Bytes(uint64(result.OriginalSize))),
		zap.String("compressed_size", humanize.Bytes(uint64(result.OutputSize))))
	q.publisher.Publish(events.Event{Type: events.ImageCompressed, ImageID: item.ImageID, TraceID: item.TraceID, UserID: item.UserID})

	if q.handoff == nil {
		return true, nil
	}
	image, err := q.store.Get(ctx, item.ImageID)
	if err != nil {
		if vanished(err) {
			q.discard(logger, item.ImageID, result.OutputPath)
			return true, nil
		}
		return false, err
	}
	if err := q.handoff(ctx, image); err != nil {
		logger.Error("handoff to upload queue failed", zap.Error(err))
		return false, err
	}
	return true, nil
}

// vanished reports errors caused by the row being deleted or moved on while it
// was compressing.
func vanished(err error) bool {
	return errors.Is(err, images.ErrInvalidTransition) || errors.Is(err, images.ErrNotFound)
}

func (q *Queue) discard(logger *zap.Logger, imageID, artifactPath string) {
	logger.Info("capture dropped image removed during compression")
	if err := compress.Remove(artifactPath); err != nil {
		logger.Warn("orphaned artifact cleanup failed", zap.Error(err))
	}
	q.Forget(imageID)
}

func (q *Queue) findDuplicate(ctx context.Context, imageID, contentHash string) (string, string, error) {
	q.mu.Lock()
	owner, seen := q.sessionHashes[contentHash]
	q.mu.Unlock()
	if seen && owner != imageID {
		return owner, DuplicateReasonQueue, nil
	}

	existing, found, err := q.store.FindByContentHash(ctx, contentHash, imageID)
	if err != nil {
		return "", "", err
	}
	if found {
		return existing.ID, DuplicateReasonDatabase, nil
	}
	return "", "", nil
}

// ItemFromImage rebuilds a queue item from a persisted row.
func ItemFromImage(image images.Image) Item {
	return Item{
		ImageID:    image.ID,
		TraceID:    image.TraceID,
		IntentID:   image.IntentID,
		UserID:     image.UserID,
		SourcePath: image.OriginalPath,
	}
}
