package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	guestPrefix     = "guest-"
	localIdentityID = 1
)

var (
	ErrMissingValidator = errors.New("identity: session validator required")
	ErrAlreadySignedIn  = errors.New("identity: already signed in as another user")
)

// Record is the single-row local identity: a stable guest id plus the signed-in user, if any.
type Record struct {
	ID        int       `gorm:"column:id;primaryKey"`
	GuestID   string    `gorm:"column:guest_id;size:64;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;default:''"`
	UserEmail string    `gorm:"column:user_email;size:320;not null;default:''"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (Record) TableName() string {
	return "local_identity"
}

// EffectiveUserID is the signed-in user when present, otherwise the guest id.
func (r Record) EffectiveUserID() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.GuestID
}

// Migration reports the owner change performed by Login.
type Migration struct {
	OldUserID string `json:"old_user_id"`
	NewUserID string `json:"new_user_id"`
}

// MigrateFunc moves data owned by oldUserID to newUserID inside tx.
type MigrateFunc func(tx *gorm.DB, oldUserID, newUserID string) error

// ServiceConfig describes the dependencies of the identity service.
type ServiceConfig struct {
	Database  *gorm.DB
	Validator *SessionValidator
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service resolves who owns newly captured images.
type Service struct {
	db        *gorm.DB
	validator *SessionValidator
	now       func() time.Time
	logger    *zap.Logger

	mu     sync.Mutex
	cached *Record
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		validator: cfg.Validator,
		now:       clock,
		logger:    logger,
	}, nil
}

// Current returns the local identity, creating the guest id on first use.
func (s *Service) Current(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(ctx)
}

// EffectiveUserID returns the owner for images captured now.
func (s *Service) EffectiveUserID(ctx context.Context) (string, error) {
	record, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	return record.EffectiveUserID(), nil
}

func (s *Service) currentLocked(ctx context.Context) (Record, error) {
	if s.cached != nil {
		return *s.cached, nil
	}
	var record Record
	err := s.db.WithContext(ctx).Where("id = ?", localIdentityID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		guestUUID, idErr := uuid.NewV7()
		if idErr != nil {
			return Record{}, idErr
		}
		record = Record{ID: localIdentityID, GuestID: guestPrefix + guestUUID.String(), UpdatedAt: s.now().UTC()}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
			return Record{}, err
		}
		if err := s.db.WithContext(ctx).Where("id = ?", localIdentityID).Take(&record).Error; err != nil {
			return Record{}, err
		}
		s.logger.Info("guest identity created", zap.String("guest_id", record.GuestID))
	} else if err != nil {
		return Record{}, err
	}
	s.cached = &record
	return record, nil
}

// Login validates token and switches the effective user. When the effective user
// changes, migrate runs in the same transaction as the identity update.
func (s *Service) Login(ctx context.Context, token string, migrate MigrateFunc) (Migration, error) {
	if s.validator == nil {
		return Migration{}, ErrMissingValidator
	}
	claims, err := s.validator.ValidateToken(token)
	if err != nil {
		return Migration{}, err
	}
	newUserID := claims.EffectiveUserID()

	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.currentLocked(ctx)
	if err != nil {
		return Migration{}, err
	}
	oldUserID := record.EffectiveUserID()
	if record.UserID != "" && record.UserID != newUserID {
		return Migration{}, fmt.Errorf("%w: %s", ErrAlreadySignedIn, record.UserID)
	}

	updated := record
	updated.UserID = newUserID
	updated.UserEmail = strings.TrimSpace(claims.UserEmail)
	updated.UpdatedAt = s.now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if oldUserID != newUserID && migrate != nil {
			if err := migrate(tx, oldUserID, newUserID); err != nil {
				return err
			}
		}
		return tx.Model(&Record{}).Where("id = ?", localIdentityID).Updates(map[string]interface{}{
			"user_id":    updated.UserID,
			"user_email": updated.UserEmail,
			"updated_at": updated.UpdatedAt,
		}).Error
	})
	if err != nil {
		s.logger.Error("login migration failed",
			zap.String("operation", "identity.login"),
			zap.String("old_user_id", oldUserID),
			zap.String("new_user_id", newUserID),
			zap.Error(err))
		return Migration{}, err
	}
	s.cached = &updated
	s.logger.Info("user signed in", zap.String("old_user_id", oldUserID), zap.String("new_user_id", newUserID))
	return Migration{OldUserID: oldUserID, NewUserID: newUserID}, nil
}

// Logout returns ownership of new captures to the guest id. Existing rows keep their owner.
func (s *Service) Logout(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.currentLocked(ctx)
	if err != nil {
		return Record{}, err
	}
	record.UserID = ""
	record.UserEmail = ""
	record.UpdatedAt = s.now().UTC()
	err = s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", localIdentityID).Updates(map[string]interface{}{
		"user_id":    "",
		"user_email": "",
		"updated_at": record.UpdatedAt,
	}).Error
	if err != nil {
		return Record{}, err
	}
	s.cached = &record
	return record, nil
}
