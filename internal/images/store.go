package images

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingImageID  = errors.New("image identifier is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

// ErrNotFound is returned when no live row matches the requested image.
var ErrNotFound = errors.New("images: not found")

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew        = "images.store.new"
	opInsertPending   = "images.insert_pending"
	opGet             = "images.get"
	opTransition      = "images.transition"
	opMarkCompressed  = "images.mark_compressed"
	opMarkFailed      = "images.mark_failed"
	opMarkUploaded    = "images.mark_uploaded"
	opDeleteUnsettled = "images.delete_unsettled"
	opFindByHash      = "images.find_by_hash"
	opList            = "images.list"
	opResetStatus     = "images.reset_status"
	opUploadedSince   = "images.uploaded_since"
	opRepointOwner    = "images.repoint_owner"
	opSoftDelete      = "images.soft_delete"
	opHardDelete      = "images.hard_delete"
	opClearArtifact   = "images.clear_artifact"

	reasonMissingDatabase = "missing_database"
	reasonMissingImageID  = "missing_image_id"
	reasonMissingUserID   = "missing_user_id"
	reasonInsertFailed    = "insert_failed"
	reasonSelectFailed    = "select_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"

	queryLiveByID         = "id = ? AND deleted_at IS NULL"
	queryByIDAndStatus    = "id = ? AND status = ?"
	queryLiveHash         = "content_hash = ? AND id <> ? AND status IN ? AND deleted_at IS NULL"
	queryLiveUserStatus   = "user_id = ? AND status IN ? AND deleted_at IS NULL"
	queryLiveUser         = "user_id = ? AND deleted_at IS NULL"
	queryUploadedSince    = "user_id = ? AND status = ? AND uploaded_at IS NOT NULL AND uploaded_at >= ?"
	orderCreatedAscending = "created_at ASC, id ASC"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the image store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists image rows and guards every status change against the lifecycle graph.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// CompressedArtifact describes the output of a successful compression.
type CompressedArtifact struct {
	Path         string
	Size         int64
	OriginalSize int64
	ContentHash  string
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Database exposes the underlying handle so callers can compose transactions.
func (s *Store) Database() *gorm.DB {
	return s.db
}

// InsertPending creates the pending row for a newly captured image.
// It reports false without error when a row with the same id already exists.
func (s *Store) InsertPending(ctx context.Context, image Image) (bool, error) {
	if image.ID == "" {
		return false, newServiceError(opInsertPending, reasonMissingImageID, errMissingImageID)
	}
	if image.UserID == "" {
		return false, newServiceError(opInsertPending, reasonMissingUserID, errMissingUserID)
	}
	now := s.clock().UTC()
	image.Status = StatusPending
	if image.CreatedAt.IsZero() {
		image.CreatedAt = now
	}
	image.UpdatedAt = now

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&image)
	if result.Error != nil {
		s.logError(opInsertPending, reasonInsertFailed, result.Error, zap.String("image_id", image.ID))
		return false, newServiceError(opInsertPending, reasonInsertFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Get loads a live (not soft-deleted) image.
func (s *Store) Get(ctx context.Context, imageID string) (Image, error) {
	var image Image
	err := s.db.WithContext(ctx).Where(queryLiveByID, imageID).Take(&image).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Image{}, fmt.Errorf("%w: %s", ErrNotFound, imageID)
	}
	if err != nil {
		s.logError(opGet, reasonSelectFailed, err, zap.String("image_id", imageID))
		return Image{}, newServiceError(opGet, reasonSelectFailed, err)
	}
	return image, nil
}

// Transition moves a row from one status to another, only when the row is still in from.
func (s *Store) Transition(ctx context.Context, imageID string, from, to Status) error {
	return s.guardedUpdate(ctx, s.db, opTransition, imageID, from, to, map[string]interface{}{})
}

// MarkCompressed records the compression output and moves compressing -> compressed.
func (s *Store) MarkCompressed(ctx context.Context, imageID string, artifact CompressedArtifact) error {
	return s.guardedUpdate(ctx, s.db, opMarkCompressed, imageID, StatusCompressing, StatusCompressed, map[string]interface{}{
		"compressed_path": artifact.Path,
		"compressed_size": artifact.Size,
		"original_size":   artifact.OriginalSize,
		"content_hash":    artifact.ContentHash,
		"last_error":      "",
	})
}

// MarkFailed moves a row into failed, keeping any compressed artifact for retry.
func (s *Store) MarkFailed(ctx context.Context, imageID string, from Status, cause string) error {
	return s.guardedUpdate(ctx, s.db, opMarkFailed, imageID, from, StatusFailed, map[string]interface{}{
		"last_error": cause,
	})
}

// MarkUploaded moves uploading -> uploaded inside the caller's transaction.
func (s *Store) MarkUploaded(tx *gorm.DB, imageID, objectKey string, uploadedAt time.Time) error {
	uploaded := uploadedAt.UTC()
	return s.guardedUpdate(tx.Statement.Context, tx, opMarkUploaded, imageID, StatusUploading, StatusUploaded, map[string]interface{}{
		"s3_key":      objectKey,
		"uploaded_at": &uploaded,
		"last_error":  "",
	})
}

func (s *Store) guardedUpdate(ctx context.Context, db *gorm.DB, operation, imageID string, from, to Status, updates map[string]interface{}) error {
	if imageID == "" {
		return newServiceError(operation, reasonMissingImageID, errMissingImageID)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	updates["status"] = to
	updates["updated_at"] = s.clock().UTC()

	result := db.WithContext(ctx).Model(&Image{}).Where(queryByIDAndStatus, imageID, from).Updates(updates)
	if result.Error != nil {
		s.logError(operation, reasonUpdateFailed, result.Error,
			zap.String("image_id", imageID),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return newServiceError(operation, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("%w: image %s is not %s", ErrInvalidTransition, imageID, from)
	}
	return nil
}

// DeleteUnsettled removes a row that never reached compressed, used for duplicates.
func (s *Store) DeleteUnsettled(ctx context.Context, imageID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND status IN ?", imageID, []Status{StatusPending, StatusCompressing}).
		Delete(&Image{})
	if result.Error != nil {
		s.logError(opDeleteUnsettled, reasonDeleteFailed, result.Error, zap.String("image_id", imageID))
		return newServiceError(opDeleteUnsettled, reasonDeleteFailed, result.Error)
	}
	return nil
}

// dedupStatuses are the statuses whose content hash blocks a new capture.
var dedupStatuses = []Status{StatusCompressed, StatusUploading, StatusUploaded}

// FindByContentHash returns a live compressed, uploading or uploaded image, other
// than excludeID, carrying the same content hash.
func (s *Store) FindByContentHash(ctx context.Context, contentHash, excludeID string) (Image, bool, error) {
	if contentHash == "" {
		return Image{}, false, nil
	}
	var matches []Image
	err := s.db.WithContext(ctx).
		Where(queryLiveHash, contentHash, excludeID, dedupStatuses).
		Order(orderCreatedAscending).
		Limit(1).
		Find(&matches).Error
	if err != nil {
		s.logError(opFindByHash, reasonSelectFailed, err, zap.String("content_hash", contentHash))
		return Image{}, false, newServiceError(opFindByHash, reasonSelectFailed, err)
	}
	if len(matches) == 0 {
		return Image{}, false, nil
	}
	return matches[0], true, nil
}

// List returns the live images of a user in capture order, optionally filtered by status.
func (s *Store) List(ctx context.Context, userID string, statuses ...Status) ([]Image, error) {
	query := s.db.WithContext(ctx)
	if len(statuses) > 0 {
		query = query.Where(queryLiveUserStatus, userID, statuses)
	} else {
		query = query.Where(queryLiveUser, userID)
	}
	var rows []Image
	if err := query.Order(orderCreatedAscending).Find(&rows).Error; err != nil {
		s.logError(opList, reasonSelectFailed, err, zap.String("user_id", userID))
		return nil, newServiceError(opList, reasonSelectFailed, err)
	}
	return rows, nil
}

// ResetStatus moves every row in from to to, returning the number of rows touched.
func (s *Store) ResetStatus(ctx context.Context, from, to Status) (int64, error) {
	if !CanTransition(from, to) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	result := s.db.WithContext(ctx).Model(&Image{}).
		Where("status = ?", from).
		Updates(map[string]interface{}{"status": to, "updated_at": s.clock().UTC()})
	if result.Error != nil {
		s.logError(opResetStatus, reasonUpdateFailed, result.Error,
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return 0, newServiceError(opResetStatus, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// UploadedSince returns the upload timestamps of a user's uploaded images at or after since.
// Soft-deleted rows still count: a local delete does not refund quota.
func (s *Store) UploadedSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	var rows []Image
	err := s.db.WithContext(ctx).
		Select("id", "uploaded_at").
		Where(queryUploadedSince, userID, StatusUploaded, since.UTC()).
		Find(&rows).Error
	if err != nil {
		s.logError(opUploadedSince, reasonSelectFailed, err, zap.String("user_id", userID))
		return nil, newServiceError(opUploadedSince, reasonSelectFailed, err)
	}
	times := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		if row.UploadedAt != nil {
			times = append(times, *row.UploadedAt)
		}
	}
	return times, nil
}

// RepointOwner moves every row of oldUserID to newUserID inside the caller's transaction.
func (s *Store) RepointOwner(tx *gorm.DB, oldUserID, newUserID string) (int64, error) {
	if oldUserID == "" || newUserID == "" {
		return 0, newServiceError(opRepointOwner, reasonMissingUserID, errMissingUserID)
	}
	result := tx.Model(&Image{}).
		Where("user_id = ?", oldUserID).
		Updates(map[string]interface{}{"user_id": newUserID, "updated_at": s.clock().UTC()})
	if result.Error != nil {
		s.logError(opRepointOwner, reasonUpdateFailed, result.Error,
			zap.String("old_user_id", oldUserID),
			zap.String("new_user_id", newUserID))
		return 0, newServiceError(opRepointOwner, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// ClearArtifact forgets the compressed path of a row after its file has been removed.
func (s *Store) ClearArtifact(ctx context.Context, imageID string) error {
	result := s.db.WithContext(ctx).Model(&Image{}).
		Where("id = ?", imageID).
		Updates(map[string]interface{}{"compressed_path": "", "updated_at": s.clock().UTC()})
	if result.Error != nil {
		s.logError(opClearArtifact, reasonUpdateFailed, result.Error, zap.String("image_id", imageID))
		return newServiceError(opClearArtifact, reasonUpdateFailed, result.Error)
	}
	return nil
}

// SoftDelete hides a row from listings while keeping it for quota accounting.
func (s *Store) SoftDelete(ctx context.Context, imageID string) error {
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&Image{}).
		Where(queryLiveByID, imageID).
		Updates(map[string]interface{}{"deleted_at": &now, "updated_at": now})
	if result.Error != nil {
		s.logError(opSoftDelete, reasonUpdateFailed, result.Error, zap.String("image_id", imageID))
		return newServiceError(opSoftDelete, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, imageID)
	}
	return nil
}

// HardDelete removes a row entirely.
func (s *Store) HardDelete(ctx context.Context, imageID string) error {
	result := s.db.WithContext(ctx).Where("id = ?", imageID).Delete(&Image{})
	if result.Error != nil {
		s.logError(opHardDelete, reasonDeleteFailed, result.Error, zap.String("image_id", imageID))
		return newServiceError(opHardDelete, reasonDeleteFailed, result.Error)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	s.logger.Error("image store operation failed", allFields...)
}
