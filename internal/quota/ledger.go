package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/events"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dailyRetentionDays = 7

var permitColumns = []string{"tier", "total_limit", "daily_rate", "expires_at", "issued_at", "total_used"}

var (
	ErrNoPermit      = errors.New("quota: no permit")
	ErrInvalidPermit = errors.New("quota: invalid permit")

	errMissingDatabase = errors.New("quota: database handle is required")
	errMissingImages   = errors.New("quota: image store is required")
)

// LedgerConfig describes the dependencies of the quota ledger.
type LedgerConfig struct {
	Database  *gorm.DB
	Images    *images.Store
	Publisher events.Publisher
	Clock     func() time.Time
	Location  *time.Location
	Logger    *zap.Logger
}

// Ledger owns permits and usage counters. The database is authoritative; the
// in-memory copy is refreshed only after a commit succeeds.
type Ledger struct {
	db        *gorm.DB
	images    *images.Store
	publisher events.Publisher
	clock     func() time.Time
	location  *time.Location
	logger    *zap.Logger

	mu      sync.RWMutex
	permits map[string]Permit
	usage   map[string]Usage
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Images == nil {
		return nil, errMissingImages
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:        cfg.Database,
		images:    cfg.Images,
		publisher: events.OrDiscard(cfg.Publisher),
		clock:     clock,
		location:  location,
		logger:    logger,
		permits:   make(map[string]Permit),
		usage:     make(map[string]Usage),
	}, nil
}

// CanUpload evaluates the cached permit and usage of userID.
func (l *Ledger) CanUpload(userID string) Decision {
	decision, _ := l.Status(userID)
	return decision
}

// Status returns the current decision together with the cached permit, if any.
func (l *Ledger) Status(userID string) (Decision, *Permit) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	permit, ok := l.permits[userID]
	if !ok {
		return Evaluate(nil, Usage{}, l.clock(), l.location), nil
	}
	usage := l.usage[userID]
	copied := permit
	copied.TotalUsed = usage.TotalUsed
	return Evaluate(&copied, usage, l.clock(), l.location), &copied
}

// RecordUpload runs apply and the usage increment in one transaction.
func (l *Ledger) RecordUpload(ctx context.Context, userID string, at time.Time, apply func(tx *gorm.DB) error) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if apply != nil {
			if err := apply(tx); err != nil {
				return err
			}
		}
		return l.incrementUsage(tx, userID, at)
	})
	if err != nil {
		l.logger.Error("quota usage increment failed",
			zap.String("operation", "quota.record_upload"),
			zap.String("user_id", userID),
			zap.Error(err))
		return err
	}

	day := DayKey(at, l.location)
	l.mu.Lock()
	usage := l.usage[userID]
	daily := pruneDaily(usage.Daily, at, l.location)
	daily[day]++
	l.usage[userID] = Usage{TotalUsed: usage.TotalUsed + 1, Daily: daily}
	l.mu.Unlock()
	return nil
}

func (l *Ledger) incrementUsage(tx *gorm.DB, userID string, at time.Time) error {
	result := tx.Model(&Permit{}).
		Where("user_id = ?", userID).
		UpdateColumn("total_used", gorm.Expr("total_used + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNoPermit, userID)
	}

	row := DailyUsage{UserID: userID, Day: DayKey(at, l.location), Uploads: 1}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"uploads": gorm.Expr("quota_daily_usage.uploads + ?", 1)}),
	}).Create(&row).Error
	if err != nil {
		return err
	}

	cutoff := DayKey(at.AddDate(0, 0, -dailyRetentionDays), l.location)
	return tx.Where("user_id = ? AND day < ?", userID, cutoff).Delete(&DailyUsage{}).Error
}

// ReplacePermit stores permit as the user's only permit and resets usage to zero.
func (l *Ledger) ReplacePermit(ctx context.Context, permit Permit) error {
	permit.UserID = strings.TrimSpace(permit.UserID)
	if permit.UserID == "" || permit.TotalLimit <= 0 || permit.DailyRate < 0 {
		return fmt.Errorf("%w: user=%q total=%d daily=%d", ErrInvalidPermit, permit.UserID, permit.TotalLimit, permit.DailyRate)
	}
	permit.IssuedAt = l.clock().UTC()
	permit.TotalUsed = 0

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(permitColumns),
		}
		if err := tx.Clauses(upsert).Create(&permit).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", permit.UserID).Delete(&DailyUsage{}).Error
	})
	if err != nil {
		l.logger.Error("permit replacement failed",
			zap.String("operation", "quota.replace_permit"),
			zap.String("user_id", permit.UserID),
			zap.Error(err))
		return err
	}

	l.mu.Lock()
	l.permits[permit.UserID] = permit
	l.usage[permit.UserID] = Usage{Daily: map[string]int64{}}
	l.mu.Unlock()

	l.logger.Info("permit replaced",
		zap.String("user_id", permit.UserID),
		zap.String("tier", permit.Tier),
		zap.Int64("total_limit", permit.TotalLimit),
		zap.Int64("daily_rate", permit.DailyRate))
	l.publisher.Publish(events.Event{
		Type:   events.QuotaReset,
		UserID: permit.UserID,
		Details: map[string]string{
			"tier": permit.Tier,
		},
	})
	return nil
}

// AdminReset zeroes the usage of userID while keeping the current limits.
func (l *Ledger) AdminReset(ctx context.Context, userID string) error {
	permit, found, err := l.loadPermit(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNoPermit, userID)
	}
	return l.ReplacePermit(ctx, permit)
}

// EnsurePermit installs fallback when userID has no stored permit. It reports whether one was created.
func (l *Ledger) EnsurePermit(ctx context.Context, fallback Permit) (bool, error) {
	_, found, err := l.loadPermit(ctx, fallback.UserID)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	return true, l.ReplacePermit(ctx, fallback)
}

// Recompute rebuilds the counters of userID from uploaded rows since the permit was issued.
func (l *Ledger) Recompute(ctx context.Context, userID string) error {
	permit, found, err := l.loadPermit(ctx, userID)
	if err != nil {
		return err
	}
	if !found {
		l.Forget(userID)
		return nil
	}

	uploads, err := l.images.UploadedSince(ctx, userID, permit.IssuedAt)
	if err != nil {
		return err
	}
	now := l.clock()
	cutoff := DayKey(now.AddDate(0, 0, -dailyRetentionDays), l.location)
	daily := make(map[string]int64)
	for _, uploadedAt := range uploads {
		day := DayKey(uploadedAt, l.location)
		if day >= cutoff {
			daily[day]++
		}
	}
	total := int64(len(uploads))

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Permit{}).Where("user_id = ?", userID).UpdateColumn("total_used", total).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&DailyUsage{}).Error; err != nil {
			return err
		}
		for day, count := range daily {
			if err := tx.Create(&DailyUsage{UserID: userID, Day: day, Uploads: count}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Error("quota recompute failed",
			zap.String("operation", "quota.recompute"),
			zap.String("user_id", userID),
			zap.Error(err))
		return err
	}

	permit.TotalUsed = total
	l.mu.Lock()
	l.permits[userID] = permit
	l.usage[userID] = Usage{TotalUsed: total, Daily: daily}
	l.mu.Unlock()
	return nil
}

// DropUser deletes the permit and counters of userID inside the caller's transaction.
// Call Forget after the transaction commits.
func (l *Ledger) DropUser(tx *gorm.DB, userID string) error {
	if err := tx.Where("user_id = ?", userID).Delete(&DailyUsage{}).Error; err != nil {
		return err
	}
	return tx.Where("user_id = ?", userID).Delete(&Permit{}).Error
}

// Forget evicts userID from the in-memory cache.
func (l *Ledger) Forget(userID string) {
	l.mu.Lock()
	delete(l.permits, userID)
	delete(l.usage, userID)
	l.mu.Unlock()
}

func (l *Ledger) loadPermit(ctx context.Context, userID string) (Permit, bool, error) {
	var permit Permit
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Take(&permit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Permit{}, false, nil
	}
	if err != nil {
		return Permit{}, false, err
	}
	return permit, true, nil
}

func pruneDaily(daily map[string]int64, now time.Time, location *time.Location) map[string]int64 {
	cutoff := DayKey(now.AddDate(0, 0, -dailyRetentionDays), location)
	pruned := make(map[string]int64, len(daily)+1)
	for day, count := range daily {
		if day >= cutoff {
			pruned[day] = count
		}
	}
	return pruned
}
