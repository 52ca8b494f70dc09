package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/compress"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/events"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubCompressor struct {
	mu       sync.Mutex
	dir      string
	hashes   map[string]string
	failures map[string]error
	calls    []string
	entered  chan string
	release  chan struct{}
	delay    time.Duration
	active   int
	peak     int
}

func (c *stubCompressor) Compress(ctx context.Context, sourcePath, imageID string) (compress.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, imageID)
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	failure := c.failures[sourcePath]
	hash := c.hashes[sourcePath]
	entered, release, delay := c.entered, c.release, c.delay
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()

	if entered != nil {
		entered <- imageID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return compress.Result{}, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if failure != nil {
		return compress.Result{}, failure
	}
	outputPath := filepath.Join(c.dir, imageID+".jpg")
	if err := os.WriteFile(outputPath, []byte("jpg"), 0o644); err != nil {
		return compress.Result{}, err
	}
	return compress.Result{OutputPath: outputPath, OutputSize: 3, OriginalSize: 10, ContentHash: hash}, nil
}

func (c *stubCompressor) peakConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) ofType(eventType events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []events.Event
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type captureFixture struct {
	db         *gorm.DB
	store      *images.Store
	compressor *stubCompressor
	publisher  *recordingPublisher
	queue      *Queue
	handoffMu  sync.Mutex
	handedOff  []string
	handoffCh  chan string
	handoffErr error
}

func newCaptureFixture(t *testing.T) *captureFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "capture.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&images.Image{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := images.NewStore(images.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	fixture := &captureFixture{
		db:    db,
		store: store,
		compressor: &stubCompressor{
			dir:      t.TempDir(),
			hashes:   map[string]string{},
			failures: map[string]error{},
		},
		publisher: &recordingPublisher{},
		handoffCh: make(chan string, 16),
	}
	queue, err := New(Config{
		Store:      store,
		Compressor: fixture.compressor,
		Publisher:  fixture.publisher,
		Logger:     zap.NewNop(),
		Handoff: func(_ context.Context, image images.Image) error {
			fixture.handoffMu.Lock()
			if fixture.handoffErr != nil {
				fixture.handoffMu.Unlock()
				return fixture.handoffErr
			}
			fixture.handedOff = append(fixture.handedOff, image.ID)
			fixture.handoffMu.Unlock()
			fixture.handoffCh <- image.ID
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	fixture.queue = queue
	return fixture
}

func testItem(id string) Item {
	return Item{ImageID: id, TraceID: "trace-" + id, IntentID: "intent-" + id, UserID: "guest-1", SourcePath: "/inbox/" + id + ".png"}
}

func (f *captureFixture) drain(t *testing.T) {
	t.Helper()
	for {
		processed, err := f.queue.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("process failed: %v", err)
		}
		if !processed {
			return
		}
	}
}

func (f *captureFixture) status(t *testing.T, id string) images.Status {
	t.Helper()
	image, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s failed: %v", id, err)
	}
	return image.Status
}

func TestEnqueueIsIdempotent(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	item := testItem("img-1")

	for i := 0; i < 2; i++ {
		if err := fixture.queue.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if pending := fixture.queue.Snapshot().Pending; len(pending) != 1 {
		t.Fatalf("expected one queued item, got %d", len(pending))
	}

	fixture.compressor.hashes[item.SourcePath] = "hash-1"
	fixture.drain(t)
	if err := fixture.queue.Enqueue(ctx, item); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	if pending := fixture.queue.Snapshot().Pending; len(pending) != 0 {
		t.Fatalf("re-enqueue of a persisted image must be a no-op")
	}
	if len(fixture.publisher.ofType(events.ImagePending)) != 1 {
		t.Fatalf("expected a single image:pending event")
	}
	if err := fixture.queue.Enqueue(ctx, Item{ImageID: "x"}); !errors.Is(err, ErrMissingItemFields) {
		t.Fatalf("expected ErrMissingItemFields, got %v", err)
	}
}

func TestProcessesInOrderAndHandsOff(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	for index, id := range []string{"img-1", "img-2", "img-3"} {
		item := testItem(id)
		fixture.compressor.hashes[item.SourcePath] = "hash-" + string(rune('a'+index))
		if err := fixture.queue.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	fixture.drain(t)

	if len(fixture.handedOff) != 3 || fixture.handedOff[0] != "img-1" || fixture.handedOff[2] != "img-3" {
		t.Fatalf("unexpected handoff order %v", fixture.handedOff)
	}
	for _, id := range fixture.handedOff {
		if status := fixture.status(t, id); status != images.StatusCompressed {
			t.Fatalf("expected %s compressed, got %s", id, status)
		}
	}
	if snapshot := fixture.queue.Snapshot(); snapshot.State != StateIdle || snapshot.Current != nil {
		t.Fatalf("expected idle machine, got %+v", snapshot)
	}
}

func TestDuplicateWithinSessionIsDropped(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	first := testItem("img-1")
	second := testItem("img-2")
	fixture.compressor.hashes[first.SourcePath] = "same"
	fixture.compressor.hashes[second.SourcePath] = "same"

	for _, item := range []Item{first, second} {
		if err := fixture.queue.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	fixture.drain(t)

	duplicates := fixture.publisher.ofType(events.ImageDuplicate)
	if len(duplicates) != 1 || duplicates[0].ImageID != "img-2" || duplicates[0].Reason != DuplicateReasonQueue {
		t.Fatalf("unexpected duplicate events %+v", duplicates)
	}
	if _, err := fixture.store.Get(ctx, "img-2"); !errors.Is(err, images.ErrNotFound) {
		t.Fatalf("expected duplicate row removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(fixture.compressor.dir, "img-2.jpg")); !os.IsNotExist(err) {
		t.Fatalf("expected duplicate artifact removed")
	}
	if len(fixture.handedOff) != 1 {
		t.Fatalf("duplicate must not reach the upload queue")
	}
}

func TestDuplicateOfPersistedImageIsDropped(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	uploadedAt := time.Now().UTC()
	if err := fixture.db.Create(&images.Image{
		ID:          "old",
		UserID:      "guest-1",
		TraceID:     "trace-old",
		IntentID:    "intent-old",
		Status:      images.StatusUploaded,
		ContentHash: "seen-before",
		UploadedAt:  &uploadedAt,
	}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	item := testItem("img-1")
	fixture.compressor.hashes[item.SourcePath] = "seen-before"
	if err := fixture.queue.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	fixture.drain(t)

	duplicates := fixture.publisher.ofType(events.ImageDuplicate)
	if len(duplicates) != 1 || duplicates[0].Reason != DuplicateReasonDatabase || duplicates[0].Details["duplicate_of"] != "old" {
		t.Fatalf("unexpected duplicate events %+v", duplicates)
	}
}

func TestCompressionFailureDoesNotBlockQueue(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	broken := testItem("img-1")
	healthy := testItem("img-2")
	fixture.compressor.failures[broken.SourcePath] = errors.New("corrupt jpeg")
	fixture.compressor.hashes[healthy.SourcePath] = "fine"

	for _, item := range []Item{broken, healthy} {
		if err := fixture.queue.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	fixture.drain(t)

	if status := fixture.status(t, "img-1"); status != images.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if status := fixture.status(t, "img-2"); status != images.StatusCompressed {
		t.Fatalf("expected compressed, got %s", status)
	}
	failures := fixture.publisher.ofType(events.ImageFailed)
	if len(failures) != 1 || failures[0].Error != "corrupt jpeg" {
		t.Fatalf("unexpected failure events %+v", failures)
	}
}

func TestRunDrivesQueueUntilCancelled(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fixture.queue.Run(ctx)
	}()

	item := testItem("img-1")
	fixture.compressor.mu.Lock()
	fixture.compressor.hashes[item.SourcePath] = "run"
	fixture.compressor.mu.Unlock()
	if err := fixture.queue.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case id := <-fixture.handoffCh:
		if id != "img-1" {
			t.Fatalf("unexpected handoff %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected handoff within deadline")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRemoveDropsQueuedItem(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	if err := fixture.queue.Enqueue(ctx, testItem("img-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	removed, err := fixture.queue.Remove("img-1")
	if err != nil || !removed {
		t.Fatalf("expected queued item to be removed, removed=%v err=%v", removed, err)
	}
	fixture.drain(t)
	if len(fixture.compressor.calls) != 0 {
		t.Fatalf("removed item must not be compressed")
	}
}

func TestRemoveRejectsItemBeingCompressed(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	fixture.compressor.entered = make(chan string, 1)
	fixture.compressor.release = make(chan struct{})
	item := testItem("img-1")
	fixture.compressor.hashes[item.SourcePath] = "busy"
	if err := fixture.queue.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	type outcome struct {
		processed bool
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		processed, err := fixture.queue.ProcessNext(ctx)
		done <- outcome{processed: processed, err: err}
	}()
	select {
	case <-fixture.compressor.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("compression did not start")
	}

	if removed, err := fixture.queue.Remove("img-1"); !errors.Is(err, ErrItemInFlight) || removed {
		t.Fatalf("expected ErrItemInFlight, removed=%v err=%v", removed, err)
	}
	close(fixture.compressor.release)

	select {
	case result := <-done:
		if result.err != nil || !result.processed {
			t.Fatalf("unexpected result processed=%v err=%v", result.processed, result.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process did not finish")
	}
	if status := fixture.status(t, "img-1"); status != images.StatusCompressed {
		t.Fatalf("expected img-1 compressed, got %s", status)
	}
}

func TestImageDeletedDuringCompressionEndsOnlyThatItem(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	fixture.compressor.entered = make(chan string, 2)
	fixture.compressor.release = make(chan struct{})
	for index, id := range []string{"img-1", "img-2"} {
		item := testItem(id)
		fixture.compressor.hashes[item.SourcePath] = "hash-" + string(rune('a'+index))
		if err := fixture.queue.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := fixture.queue.ProcessNext(ctx)
		done <- err
	}()
	select {
	case <-fixture.compressor.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("compression did not start")
	}
	if err := fixture.store.HardDelete(ctx, "img-1"); err != nil {
		t.Fatalf("hard delete failed: %v", err)
	}
	close(fixture.compressor.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("a deleted image must not stop the machine: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process did not finish")
	}
	if _, err := os.Stat(filepath.Join(fixture.compressor.dir, "img-1.jpg")); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned artifact to be removed, stat err=%v", err)
	}

	fixture.drain(t)
	if len(fixture.handedOff) != 1 || fixture.handedOff[0] != "img-2" {
		t.Fatalf("expected only img-2 handed off, got %v", fixture.handedOff)
	}
}

func TestHandoffFailureStopsTheMachine(t *testing.T) {
	fixture := newCaptureFixture(t)
	ctx := context.Background()
	fixture.handoffErr = errors.New("upload queue unavailable")
	item := testItem("img-1")
	fixture.compressor.hashes[item.SourcePath] = "handoff"
	if err := fixture.queue.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if _, err := fixture.queue.ProcessNext(ctx); !errors.Is(err, fixture.handoffErr) {
		t.Fatalf("expected handoff error, got %v", err)
	}
	if status := fixture.status(t, "img-1"); status != images.StatusCompressed {
		t.Fatalf("expected img-1 to stay compressed for recovery, got %s", status)
	}
}

func TestRunCompressesOneItemAtATime(t *testing.T) {
	fixture := newCaptureFixture(t)
	fixture.compressor.delay = 5 * time.Millisecond
	const drops = 8
	var items []Item
	for index := 0; index < drops; index++ {
		item := testItem("img-" + string(rune('a'+index)))
		fixture.compressor.hashes[item.SourcePath] = "hash-" + item.ImageID
		items = append(items, item)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fixture.queue.Run(ctx)
	}()

	var group sync.WaitGroup
	for _, item := range items {
		group.Add(1)
		go func(item Item) {
			defer group.Done()
			if err := fixture.queue.Enqueue(context.Background(), item); err != nil {
				t.Errorf("enqueue %s failed: %v", item.ImageID, err)
			}
		}(item)
	}
	group.Wait()

	for received := 0; received < drops; received++ {
		select {
		case <-fixture.handoffCh:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d images handed off", received, drops)
		}
	}
	if peak := fixture.compressor.peakConcurrency(); peak != 1 {
		t.Fatalf("expected one compression at a time, saw %d", peak)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}
