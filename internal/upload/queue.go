// Package upload moves compressed receipts to object storage one at a time,
// gated by quota and connectivity.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/events"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/objectstore"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/quota"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// State of the upload machine. Paused is orthogonal to processing: a task can
// finish while the machine is paused, and it stays paused afterwards.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
)

// PauseReason explains a sticky pause.
type PauseReason string

const (
	PauseNone              PauseReason = ""
	PauseOffline           PauseReason = "offline"
	PauseNoPermit          PauseReason = PauseReason(quota.ReasonNoPermit)
	PausePermitExpired     PauseReason = PauseReason(quota.ReasonPermitExpired)
	PauseTotalLimitReached PauseReason = PauseReason(quota.ReasonTotalLimitReached)
	PauseDailyLimitReached PauseReason = PauseReason(quota.ReasonDailyLimitReached)

	defaultMaxAttempts  = 3
	defaultBackoffBase  = time.Second
	defaultQuotaRecheck = time.Minute
)

var (
	ErrMissingTaskFields = errors.New("upload: image, intent and user ids and compressed path are required")
	ErrTaskInFlight      = errors.New("upload: task is being uploaded")
	errMissingStore      = errors.New("upload: image store required")
	errMissingLedger     = errors.New("upload: quota ledger required")
	errMissingTarget     = errors.New("upload: target required")
)

// Task is one compressed image waiting for upload.
type Task struct {
	ImageID        string `json:"image_id"`
	TraceID        string `json:"trace_id"`
	IntentID       string `json:"intent_id"`
	UserID         string `json:"user_id"`
	CompressedPath string `json:"compressed_path"`
}

func (t Task) valid() bool {
	return t.ImageID != "" && t.IntentID != "" && t.UserID != "" && t.CompressedPath != ""
}

// TaskFromImage builds a task from a persisted row.
func TaskFromImage(image images.Image) Task {
	return Task{
		ImageID:        image.ID,
		TraceID:        image.TraceID,
		IntentID:       image.IntentID,
		UserID:         image.UserID,
		CompressedPath: image.CompressedPath,
	}
}

// Target obtains upload tickets and transfers bytes against them.
type Target interface {
	RequestTicket(ctx context.Context, userID, filename, intentID string) (objectstore.Ticket, error)
	Put(ctx context.Context, ticket objectstore.Ticket, body io.Reader, size int64, contentType string) error
}

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State       State       `json:"state"`
	Online      bool        `json:"online"`
	PauseReason PauseReason `json:"pause_reason,omitempty"`
	Current     *Task       `json:"current,omitempty"`
	Pending     []Task      `json:"pending"`
}

type Config struct {
	Store        *images.Store
	Ledger       *quota.Ledger
	Target       Target
	Publisher    events.Publisher
	Clock        func() time.Time
	Logger       *zap.Logger
	MaxAttempts  int
	BackoffBase  time.Duration
	QuotaRecheck time.Duration
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Queue is the upload state machine.
type Queue struct {
	store        *images.Store
	ledger       *quota.Ledger
	target       Target
	publisher    events.Publisher
	clock        func() time.Time
	logger       *zap.Logger
	maxAttempts  int
	backoffBase  time.Duration
	quotaRecheck time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	tasks      []Task
	queued     map[string]struct{}
	processing bool
	inFlight   string
	paused     bool
	reason     PauseReason
	online     bool
	completed  int
	failed     int
	wake       chan struct{}
}

func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Target == nil {
		return nil, errMissingTarget
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	quotaRecheck := cfg.QuotaRecheck
	if quotaRecheck <= 0 {
		quotaRecheck = defaultQuotaRecheck
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Queue{
		store:        cfg.Store,
		ledger:       cfg.Ledger,
		target:       cfg.Target,
		publisher:    events.OrDiscard(cfg.Publisher),
		clock:        clock,
		logger:       logger,
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		quotaRecheck: quotaRecheck,
		sleep:        sleep,
		queued:       make(map[string]struct{}),
		online:       true,
		wake:         make(chan struct{}, 1),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Enqueue marks the row uploading and queues the task. Already queued ids are ignored.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if !task.valid() {
		return ErrMissingTaskFields
	}
	q.mu.Lock()
	_, exists := q.queued[task.ImageID]
	q.mu.Unlock()
	if exists {
		return nil
	}

	if err := q.store.Transition(ctx, task.ImageID, images.StatusCompressed, images.StatusUploading); err != nil {
		return err
	}

	q.mu.Lock()
	if _, exists := q.queued[task.ImageID]; !exists {
		q.tasks = append(q.tasks, task)
		q.queued[task.ImageID] = struct{}{}
	}
	q.mu.Unlock()

	q.publisher.Publish(events.Event{Type: events.ImageQueued, ImageID: task.ImageID, TraceID: task.TraceID, UserID: task.UserID})
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Remove drops a queued task. A task being uploaded cannot be removed.
func (q *Queue) Remove(imageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight == imageID {
		return false, ErrTaskInFlight
	}
	for index, task := range q.tasks {
		if task.ImageID == imageID {
			q.tasks = append(q.tasks[:index], q.tasks[index+1:]...)
			delete(q.queued, imageID)
			return true, nil
		}
	}
	return false, nil
}

// RepointOwner rewrites the owner of queued tasks after a login migration.
func (q *Queue) RepointOwner(oldUserID, newUserID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for index := range q.tasks {
		if q.tasks[index].UserID == oldUserID {
			q.tasks[index].UserID = newUserID
		}
	}
}

// SetOnline records connectivity. Going offline pauses the machine; coming back
// online clears an offline pause only.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	if q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	var event *events.Event
	if !online {
		q.paused = true
		q.reason = PauseOffline
		event = &events.Event{Type: events.UploadPaused, Reason: string(PauseOffline)}
	} else if q.paused && q.reason == PauseOffline {
		q.paused = false
		q.reason = PauseNone
		event = &events.Event{Type: events.UploadResumed}
	}
	q.mu.Unlock()

	q.logger.Info("connectivity changed", zap.Bool("online", online))
	if event != nil {
		q.publisher.Publish(*event)
	}
	q.signal()
}

// Resume clears a quota pause, for example after a new permit. An offline pause
// stays until connectivity returns.
func (q *Queue) Resume() {
	q.mu.Lock()
	resumed := false
	if q.paused && q.online {
		q.paused = false
		q.reason = PauseNone
		resumed = true
	}
	q.mu.Unlock()
	if resumed {
		q.publisher.Publish(events.Event{Type: events.UploadResumed})
	}
	q.signal()
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked()
}

func (q *Queue) stateLocked() State {
	switch {
	case q.paused:
		return StatePaused
	case q.processing:
		return StateProcessing
	default:
		return StateIdle
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := Snapshot{
		State:       q.stateLocked(),
		Online:      q.online,
		PauseReason: q.reason,
		Pending:     make([]Task, 0, len(q.tasks)),
	}
	for _, task := range q.tasks {
		if task.ImageID == q.inFlight {
			current := task
			snapshot.Current = &current
			continue
		}
		snapshot.Pending = append(snapshot.Pending, task)
	}
	return snapshot
}

// Run drives the machine until ctx is done. Persistence failures stop the loop.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.quotaRecheck)
	defer ticker.Stop()
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
		case <-ticker.C:
			q.recheckQuota()
		}
	}
}

// recheckQuota lifts a quota pause once the head task's owner may upload again,
// which covers the daily window rolling over.
func (q *Queue) recheckQuota() {
	q.mu.Lock()
	if !q.paused || q.reason == PauseOffline || len(q.tasks) == 0 {
		q.mu.Unlock()
		return
	}
	userID := q.tasks[0].UserID
	q.mu.Unlock()

	if q.ledger.CanUpload(userID).Allowed {
		q.Resume()
	}
}

type outcome int

const (
	outcomeUploaded outcome = iota
	outcomePermanent
	outcomeExhausted
	outcomeInterrupted
)

// ProcessNext uploads the head task. It reports false when nothing could be done.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.processing || q.paused || !q.online || len(q.tasks) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	task := q.tasks[0]
	decision := q.ledger.CanUpload(task.UserID)
	if !decision.Allowed {
		q.mu.Unlock()
		q.pause(PauseReason(decision.Reason), task.UserID)
		return false, nil
	}
	q.processing = true
	q.inFlight = task.ImageID
	q.mu.Unlock()

	result, objectKey, lastErr := q.attempt(ctx, task)

	switch result {
	case outcomeUploaded:
		uploadedAt := q.clock().UTC()
		err := q.ledger.RecordUpload(ctx, task.UserID, uploadedAt, func(tx *gorm.DB) error {
			return q.store.MarkUploaded(tx, task.ImageID, objectKey, uploadedAt)
		})
		switch {
		case errors.Is(err, quota.ErrNoPermit):
			// The object is stored under the intent key; re-uploading after a new permit overwrites it.
			q.release(task, false)
			q.pause(PauseNoPermit, task.UserID)
			return false, nil
		case errors.Is(err, images.ErrInvalidTransition):
			q.logger.Warn("uploaded image changed underneath the upload", zap.String("image_id", task.ImageID))
			q.finish(task, false)
			return true, nil
		case err != nil:
			q.release(task, false)
			return false, err
		}
		q.logger.Info("image uploaded", zap.String("image_id", task.ImageID), zap.String("trace_id", task.TraceID), zap.String("object_key", objectKey))
		q.publisher.Publish(events.Event{
			Type:    events.UploadComplete,
			ImageID: task.ImageID,
			TraceID: task.TraceID,
			UserID:  task.UserID,
			Details: map[string]string{"object_key": objectKey},
		})
		q.finish(task, true)
	case outcomePermanent, outcomeExhausted:
		if result == outcomeExhausted && q.isPaused() {
			// Keep the task at the head; it resumes when the pause clears.
			q.release(task, false)
			return true, nil
		}
		if err := q.store.MarkFailed(ctx, task.ImageID, images.StatusUploading, lastErr.Error()); err != nil {
			q.release(task, false)
			return false, err
		}
		q.logger.Warn("upload failed", zap.String("image_id", task.ImageID), zap.String("trace_id", task.TraceID), zap.Error(lastErr))
		q.publisher.Publish(events.Event{Type: events.ImageFailed, ImageID: task.ImageID, TraceID: task.TraceID, UserID: task.UserID, Error: lastErr.Error()})
		q.finish(task, false)
	case outcomeInterrupted:
		q.release(task, false)
		return false, nil
	}
	return true, nil
}

func (q *Queue) pause(reason PauseReason, userID string) {
	q.mu.Lock()
	q.paused = true
	q.reason = reason
	q.mu.Unlock()
	q.logger.Info("upload paused by quota", zap.String("user_id", userID), zap.String("reason", string(reason)))
	q.publisher.Publish(events.Event{Type: events.UploadPaused, UserID: userID, Reason: string(reason)})
}

func (q *Queue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// release ends processing, optionally popping the task.
func (q *Queue) release(task Task, pop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing = false
	q.inFlight = ""
	if !pop {
		return
	}
	for index, candidate := range q.tasks {
		if candidate.ImageID == task.ImageID {
			q.tasks = append(q.tasks[:index], q.tasks[index+1:]...)
			break
		}
	}
	delete(q.queued, task.ImageID)
}

func (q *Queue) finish(task Task, succeeded bool) {
	q.release(task, true)

	q.mu.Lock()
	if succeeded {
		q.completed++
	} else {
		q.failed++
	}
	drained := len(q.tasks) == 0
	completed, failed := q.completed, q.failed
	if drained {
		q.completed, q.failed = 0, 0
	}
	q.mu.Unlock()

	if drained {
		q.publisher.Publish(events.Event{
			Type: events.UploadBatchComplete,
			Details: map[string]string{
				"completed": fmt.Sprintf("%d", completed),
				"failed":    fmt.Sprintf("%d", failed),
			},
		})
	}
}

func (q *Queue) attempt(ctx context.Context, task Task) (outcome, string, error) {
	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		objectKey, err := q.transfer(ctx, task)
		if err == nil {
			return outcomeUploaded, objectKey, nil
		}
		if ctx.Err() != nil {
			return outcomeInterrupted, "", ctx.Err()
		}
		lastErr = err
		if objectstore.IsPermanent(err) {
			q.publisher.Publish(events.Event{Type: events.UploadFailed, ImageID: task.ImageID, TraceID: task.TraceID, Error: err.Error(), RetryCount: attempt})
			return outcomePermanent, "", err
		}

		willRetry := attempt < q.maxAttempts && !q.isPaused()
		q.logger.Warn("upload attempt failed",
			zap.String("image_id", task.ImageID),
			zap.Int("attempt", attempt),
			zap.Bool("will_retry", willRetry),
			zap.Error(err))
		q.publisher.Publish(events.Event{
			Type:       events.UploadFailed,
			ImageID:    task.ImageID,
			TraceID:    task.TraceID,
			Error:      err.Error(),
			WillRetry:  willRetry,
			RetryCount: attempt,
		})
		if !willRetry {
			break
		}
		if err := q.sleep(ctx, q.backoff(attempt)); err != nil {
			return outcomeInterrupted, "", err
		}
	}
	return outcomeExhausted, "", lastErr
}

func (q *Queue) backoff(attempt int) time.Duration {
	return q.backoffBase * time.Duration(1<<(attempt-1))
}

func (q *Queue) transfer(ctx context.Context, task Task) (string, error) {
	file, err := os.Open(task.CompressedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", objectstore.Permanent(fmt.Errorf("compressed artifact missing: %w", err))
		}
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	detected, err := mimetype.DetectReader(file)
	if err != nil {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	ticket, err := q.target.RequestTicket(ctx, task.UserID, filepath.Base(task.CompressedPath), task.IntentID)
	if err != nil {
		return "", err
	}
	body := &progressReader{
		reader: file,
		total:  info.Size(),
		onChange: func(percent int) {
			q.publisher.Publish(events.Event{Type: events.UploadProgress, ImageID: task.ImageID, TraceID: task.TraceID, Percent: percent})
		},
	}
	if err := q.target.Put(ctx, ticket, body, info.Size(), detected.String()); err != nil {
		return "", err
	}
	return ticket.Key, nil
}
