// Package pipeline wires the capture and upload machines, quota, identity and
// recovery into the single entry point used by the API and the daemon.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/capture"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/events"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/identity"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/objectstore"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/quota"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/upload"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	ErrNotStarted        = errors.New("pipeline: recovery has not run yet")
	ErrAlreadyStarted    = errors.New("pipeline: already started")
	ErrEmptyPath         = errors.New("pipeline: file path required")
	ErrEmptyPaste        = errors.New("pipeline: pasted image is empty")
	ErrNotRetryable      = errors.New("pipeline: only failed images can be retried")
	ErrImageBusy         = errors.New("pipeline: image is being processed")
	ErrUnknownMode       = errors.New("pipeline: unknown delete mode")
	ErrPermitForeignUser = errors.New("pipeline: permit belongs to another user")

	errMissingDependency = errors.New("pipeline: database, compressor, target and identity are required")
)

// DeleteMode selects how much of an image is removed.
type DeleteMode string

const (
	// DeleteLocal removes the compressed file and hides the row.
	DeleteLocal DeleteMode = "local"
	// DeleteCloud also removes the stored object.
	DeleteCloud DeleteMode = "cloud"
	// DeletePermanent removes files and the row; uploaded rows stay as hidden tombstones for quota.
	DeletePermanent DeleteMode = "permanent"
)

// ParseDeleteMode accepts local, cloud or permanent. Empty means local.
func ParseDeleteMode(raw string) (DeleteMode, error) {
	switch mode := DeleteMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case "":
		return DeleteLocal, nil
	case DeleteLocal, DeleteCloud, DeletePermanent:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, raw)
	}
}

type Config struct {
	Database    *gorm.DB
	Compressor  capture.Compressor
	Target      upload.Target
	Remover     objectstore.Remover
	Identity    *identity.Service
	Publisher   events.Publisher
	IDProvider  images.IDProvider
	Clock       func() time.Time
	Location    *time.Location
	Logger      *zap.Logger
	InboxDir    string
	GuestPermit quota.Permit
	Upload      UploadOptions
}

// UploadOptions tunes the upload machine.
type UploadOptions struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	QuotaRecheck time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
}

type Pipeline struct {
	store       *images.Store
	ledger      *quota.Ledger
	capture     *capture.Queue
	upload      *upload.Queue
	recoverer   *recovery.Recoverer
	identity    *identity.Service
	remover     objectstore.Remover
	publisher   events.Publisher
	ids         images.IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	inboxDir    string
	guestPermit quota.Permit
	started     atomic.Bool
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Database == nil || cfg.Compressor == nil || cfg.Target == nil || cfg.Identity == nil {
		return nil, errMissingDependency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = images.NewUUIDProvider()
	}
	publisher := events.OrDiscard(cfg.Publisher)

	store, err := images.NewStore(images.StoreConfig{Database: cfg.Database, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	ledger, err := quota.NewLedger(quota.LedgerConfig{
		Database:  cfg.Database,
		Images:    store,
		Publisher: publisher,
		Clock:     clock,
		Location:  cfg.Location,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	uploadQueue, err := upload.New(upload.Config{
		Store:        store,
		Ledger:       ledger,
		Target:       cfg.Target,
		Publisher:    publisher,
		Clock:        clock,
		Logger:       logger.Named("upload"),
		MaxAttempts:  cfg.Upload.MaxAttempts,
		BackoffBase:  cfg.Upload.BackoffBase,
		QuotaRecheck: cfg.Upload.QuotaRecheck,
		Sleep:        cfg.Upload.Sleep,
	})
	if err != nil {
		return nil, err
	}
	captureQueue, err := capture.New(capture.Config{
		Store:      store,
		Compressor: cfg.Compressor,
		Publisher:  publisher,
		Logger:     logger.Named("capture"),
		Handoff: func(ctx context.Context, image images.Image) error {
			return uploadQueue.Enqueue(ctx, upload.TaskFromImage(image))
		},
	})
	if err != nil {
		return nil, err
	}
	recoverer, err := recovery.New(recovery.Config{
		Store:   store,
		Ledger:  ledger,
		Capture: captureQueue,
		Upload:  uploadQueue,
		Logger:  logger.Named("recovery"),
	})
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		store:       store,
		ledger:      ledger,
		capture:     captureQueue,
		upload:      uploadQueue,
		recoverer:   recoverer,
		identity:    cfg.Identity,
		remover:     cfg.Remover,
		publisher:   publisher,
		ids:         ids,
		clock:       clock,
		logger:      logger,
		inboxDir:    cfg.InboxDir,
		guestPermit: cfg.GuestPermit,
	}, nil
}

// Start installs the guest permit when needed and runs recovery. New captures are
// rejected until it returns successfully.
func (p *Pipeline) Start(ctx context.Context) (recovery.Report, error) {
	if p.started.Load() {
		return recovery.Report{}, ErrAlreadyStarted
	}
	record, err := p.identity.Current(ctx)
	if err != nil {
		return recovery.Report{}, err
	}
	userID := record.EffectiveUserID()
	if record.UserID == "" {
		if err := p.ensureGuestPermit(ctx, userID); err != nil {
			return recovery.Report{}, err
		}
	}

	report, err := p.recoverer.Run(ctx, userID)
	if err != nil {
		return report, err
	}
	p.started.Store(true)
	return report, nil
}

func (p *Pipeline) ensureGuestPermit(ctx context.Context, guestID string) error {
	if p.guestPermit.TotalLimit <= 0 {
		return nil
	}
	guest := p.guestPermit
	guest.UserID = guestID
	created, err := p.ledger.EnsurePermit(ctx, guest)
	if err != nil {
		return err
	}
	if created {
		p.logger.Info("guest permit issued", zap.String("user_id", guestID), zap.Int64("total_limit", guest.TotalLimit))
	}
	return nil
}

// Run drives both machines until ctx is done or one of them fails.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return p.capture.Run(groupCtx)
	})
	group.Go(func() error {
		return p.upload.Run(groupCtx)
	})
	return group.Wait()
}

// Drop captures files by path. It returns the new image ids in input order.
func (p *Pipeline) Drop(ctx context.Context, paths ...string) ([]string, error) {
	if !p.started.Load() {
		return nil, ErrNotStarted
	}
	userID, err := p.identity.EffectiveUserID(ctx)
	if err != nil {
		return nil, err
	}
	imageIDs := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			return imageIDs, ErrEmptyPath
		}
		absolute, err := filepath.Abs(path)
		if err != nil {
			return imageIDs, err
		}
		item, err := p.newItem(userID, absolute)
		if err != nil {
			return imageIDs, err
		}
		if err := p.capture.Enqueue(ctx, item); err != nil {
			return imageIDs, err
		}
		imageIDs = append(imageIDs, item.ImageID)
	}
	return imageIDs, nil
}

// Paste writes clipboard bytes into the inbox and captures the file.
func (p *Pipeline) Paste(ctx context.Context, data []byte, extension string) (string, error) {
	if !p.started.Load() {
		return "", ErrNotStarted
	}
	if len(data) == 0 {
		return "", ErrEmptyPaste
	}
	userID, err := p.identity.EffectiveUserID(ctx)
	if err != nil {
		return "", err
	}
	extension = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(extension)), ".")
	if extension == "" {
		extension = "png"
	}
	name, err := p.ids.NewID()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.inboxDir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(p.inboxDir, fmt.Sprintf("paste-%s.%s", name, extension))
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	item, err := p.newItem(userID, target)
	if err != nil {
		return "", err
	}
	if err := p.capture.Enqueue(ctx, item); err != nil {
		return "", err
	}
	return item.ImageID, nil
}

func (p *Pipeline) newItem(userID, sourcePath string) (capture.Item, error) {
	var identifiers [3]string
	for index := range identifiers {
		value, err := p.ids.NewID()
		if err != nil {
			return capture.Item{}, err
		}
		identifiers[index] = value
	}
	return capture.Item{
		ImageID:    identifiers[0],
		TraceID:    identifiers[1],
		IntentID:   identifiers[2],
		UserID:     userID,
		SourcePath: sourcePath,
	}, nil
}

// Retry re-queues a failed image: straight to upload when its artifact survived,
// otherwise back through compression.
func (p *Pipeline) Retry(ctx context.Context, imageID string) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	image, err := p.store.Get(ctx, imageID)
	if err != nil {
		return err
	}
	if image.Status != images.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, imageID, image.Status)
	}

	if image.HasArtifact() {
		if _, statErr := os.Stat(image.CompressedPath); statErr == nil {
			if err := p.store.Transition(ctx, imageID, images.StatusFailed, images.StatusCompressed); err != nil {
				return err
			}
			image.Status = images.StatusCompressed
			return p.upload.Enqueue(ctx, upload.TaskFromImage(image))
		}
	}

	if err := p.store.Transition(ctx, imageID, images.StatusFailed, images.StatusPending); err != nil {
		return err
	}
	p.capture.Forget(imageID)
	p.capture.Seed([]capture.Item{capture.ItemFromImage(image)})
	p.publisher.Publish(events.Event{Type: events.ImagePending, ImageID: image.ID, TraceID: image.TraceID, UserID: image.UserID})
	return nil
}

// Delete removes an image according to mode.
func (p *Pipeline) Delete(ctx context.Context, imageID string, mode DeleteMode) error {
	switch mode {
	case DeleteLocal, DeleteCloud, DeletePermanent:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	image, err := p.store.Get(ctx, imageID)
	if err != nil {
		return err
	}
	if _, err := p.capture.Remove(imageID); err != nil {
		return fmt.Errorf("%w: %v", ErrImageBusy, err)
	}
	if _, err := p.upload.Remove(imageID); err != nil {
		return fmt.Errorf("%w: %v", ErrImageBusy, err)
	}
	p.capture.Forget(imageID)

	if err := removeFile(image.CompressedPath); err != nil {
		return err
	}

	if mode != DeleteLocal && image.S3Key != "" {
		if p.remover == nil {
			return fmt.Errorf("pipeline: object store deletes are not configured")
		}
		if err := p.remover.Remove(ctx, image.S3Key); err != nil {
			return err
		}
	}

	switch {
	case mode == DeletePermanent && image.Status != images.StatusUploaded:
		err = p.store.HardDelete(ctx, imageID)
	default:
		if err = p.store.ClearArtifact(ctx, imageID); err == nil {
			err = p.store.SoftDelete(ctx, imageID)
		}
	}
	if err != nil {
		return err
	}

	p.logger.Info("image deleted", zap.String("image_id", imageID), zap.String("mode", string(mode)))
	p.publisher.Publish(events.Event{
		Type:    events.ImageDeleted,
		ImageID: imageID,
		TraceID: image.TraceID,
		UserID:  image.UserID,
		Details: map[string]string{"mode": string(mode)},
	})
	return nil
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Snapshot is the combined state of both machines.
type Snapshot struct {
	Capture capture.Snapshot `json:"capture"`
	Upload  upload.Snapshot  `json:"upload"`
}

func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{Capture: p.capture.Snapshot(), Upload: p.upload.Snapshot()}
}

// Images lists the live images of the effective user, optionally filtered by status.
func (p *Pipeline) Images(ctx context.Context, statuses ...images.Status) ([]images.Image, error) {
	userID, err := p.identity.EffectiveUserID(ctx)
	if err != nil {
		return nil, err
	}
	return p.store.List(ctx, userID, statuses...)
}

// QuotaStatus is the quota view of the effective user.
type QuotaStatus struct {
	UserID   string         `json:"user_id"`
	Decision quota.Decision `json:"decision"`
	Permit   *quota.Permit  `json:"permit,omitempty"`
}

func (p *Pipeline) Quota(ctx context.Context) (QuotaStatus, error) {
	userID, err := p.identity.EffectiveUserID(ctx)
	if err != nil {
		return QuotaStatus{}, err
	}
	decision, permit := p.ledger.Status(userID)
	return QuotaStatus{UserID: userID, Decision: decision, Permit: permit}, nil
}

// ApplyPermit replaces the effective user's permit and resumes a quota pause.
func (p *Pipeline) ApplyPermit(ctx context.Context, permit quota.Permit) error {
	userID, err := p.identity.EffectiveUserID(ctx)
	if err != nil {
		return err
	}
	if permit.UserID == "" {
		permit.UserID = userID
	}
	if permit.UserID != userID {
		return fmt.Errorf("%w: %s", ErrPermitForeignUser, permit.UserID)
	}
	if err := p.ledger.ReplacePermit(ctx, permit); err != nil {
		return err
	}
	p.upload.Resume()
	return nil
}

// ResetQuota zeroes the effective user's usage under the current limits.
func (p *Pipeline) ResetQuota(ctx context.Context) error {
	userID, err := p.identity.EffectiveUserID(ctx)
	if err != nil {
		return err
	}
	if err := p.ledger.AdminReset(ctx, userID); err != nil {
		return err
	}
	p.upload.Resume()
	return nil
}

// SetOnline forwards a connectivity change to the upload machine.
func (p *Pipeline) SetOnline(online bool) {
	p.upload.SetOnline(online)
}

// Login signs a user in, moving guest images and queued work to the new owner.
// Guest quota rows are dropped; the signed-in user's usage is recomputed.
func (p *Pipeline) Login(ctx context.Context, token string) (identity.Migration, error) {
	migration, err := p.identity.Login(ctx, token, func(tx *gorm.DB, oldUserID, newUserID string) error {
		if _, err := p.store.RepointOwner(tx, oldUserID, newUserID); err != nil {
			return err
		}
		return p.ledger.DropUser(tx, oldUserID)
	})
	if err != nil {
		return migration, err
	}
	if migration.OldUserID == migration.NewUserID {
		return migration, nil
	}
	p.ledger.Forget(migration.OldUserID)
	p.capture.RepointOwner(migration.OldUserID, migration.NewUserID)
	p.upload.RepointOwner(migration.OldUserID, migration.NewUserID)
	if err := p.ledger.Recompute(ctx, migration.NewUserID); err != nil {
		return migration, err
	}
	p.upload.Resume()
	return migration, nil
}

// Logout hands new captures back to the device guest. Images already signed in
// stay with the account; the guest gets a fresh permit when it has none.
func (p *Pipeline) Logout(ctx context.Context) (string, error) {
	record, err := p.identity.Logout(ctx)
	if err != nil {
		return "", err
	}
	guestID := record.EffectiveUserID()
	if err := p.ensureGuestPermit(ctx, guestID); err != nil {
		return guestID, err
	}
	if err := p.ledger.Recompute(ctx, guestID); err != nil {
		return guestID, err
	}
	p.logger.Info("user signed out", zap.String("user_id", guestID))
	p.upload.Resume()
	return guestID, nil
}
