package quota

import (
	"time"
)

// Unlimited marks a remaining-daily value when the permit carries no daily rate.
const Unlimited int64 = -1

// Reason explains why an upload is blocked.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNoPermit          Reason = "no_permit"
	ReasonPermitExpired     Reason = "permit_expired"
	ReasonTotalLimitReached Reason = "total_limit_reached"
	ReasonDailyLimitReached Reason = "daily_limit_reached"
)

// Permit is the stored authorization to upload, with its running total.
type Permit struct {
	UserID     string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Tier       string     `gorm:"column:tier;size:64;not null"`
	TotalLimit int64      `gorm:"column:total_limit;not null"`
	DailyRate  int64      `gorm:"column:daily_rate;not null"`
	ExpiresAt  *time.Time `gorm:"column:expires_at"`
	IssuedAt   time.Time  `gorm:"column:issued_at;not null"`
	TotalUsed  int64      `gorm:"column:total_used;not null"`
}

func (Permit) TableName() string {
	return "quota_permits"
}

// Expired reports whether the permit has an expiry at or before now.
func (p Permit) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// DailyUsage counts the uploads of one user on one local calendar day.
type DailyUsage struct {
	UserID  string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Day     string `gorm:"column:day;primaryKey;size:10;not null"`
	Uploads int64  `gorm:"column:uploads;not null"`
}

func (DailyUsage) TableName() string {
	return "quota_daily_usage"
}

// Usage is the in-memory view of a user's consumption.
type Usage struct {
	TotalUsed int64
	Daily     map[string]int64
}

// Decision is the answer to "may this user upload now".
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         Reason `json:"reason,omitempty"`
	RemainingTotal int64  `json:"remaining_total"`
	RemainingDaily int64  `json:"remaining_daily"`
}

// DayKey formats the local calendar day of at in loc.
func DayKey(at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return at.In(loc).Format("2006-01-02")
}

// Evaluate applies the quota rules. Blocking reasons are reported in priority order:
// missing permit, expiry, total limit, daily limit.
func Evaluate(permit *Permit, usage Usage, now time.Time, loc *time.Location) Decision {
	if permit == nil {
		return Decision{Reason: ReasonNoPermit}
	}

	remainingTotal := permit.TotalLimit - usage.TotalUsed
	if remainingTotal < 0 {
		remainingTotal = 0
	}
	remainingDaily := Unlimited
	if permit.DailyRate > 0 {
		remainingDaily = permit.DailyRate - usage.Daily[DayKey(now, loc)]
		if remainingDaily < 0 {
			remainingDaily = 0
		}
	}

	decision := Decision{RemainingTotal: remainingTotal, RemainingDaily: remainingDaily}
	switch {
	case permit.Expired(now):
		decision.Reason = ReasonPermitExpired
	case remainingTotal <= 0:
		decision.Reason = ReasonTotalLimitReached
	case remainingDaily == 0:
		decision.Reason = ReasonDailyLimitReached
	default:
		decision.Allowed = true
	}
	return decision
}
