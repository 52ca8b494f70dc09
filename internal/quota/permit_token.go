package quota

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingPermitSecret = errors.New("permit tokens: signing secret required")
	ErrMissingPermitIssuer = errors.New("permit tokens: issuer required")
	ErrMissingPermitToken  = errors.New("permit tokens: token required")
	ErrInvalidPermitToken  = errors.New("permit tokens: invalid token")
	ErrExpiredPermitToken  = errors.New("permit tokens: token expired")
	ErrInvalidPermitLimits = errors.New("permit tokens: limits must be non-negative and total limit positive")
)

// PermitClaims is the signed payload of a permit token.
type PermitClaims struct {
	Tier       string `json:"tier"`
	TotalLimit int64  `json:"total_limit"`
	DailyRate  int64  `json:"daily_rate"`
	jwt.RegisteredClaims
}

// PermitTokenConfig configures both signing and verification of permit tokens.
type PermitTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// PermitTokens signs and verifies HS256 permit tokens.
type PermitTokens struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

func NewPermitTokens(cfg PermitTokenConfig) (*PermitTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingPermitSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingPermitIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PermitTokens{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Issue signs permit. A zero IssuedAt is stamped with the current time.
func (p *PermitTokens) Issue(permit Permit) (string, error) {
	if permit.TotalLimit <= 0 || permit.DailyRate < 0 {
		return "", ErrInvalidPermitLimits
	}
	issuedAt := permit.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = p.clock()
	}
	registered := jwt.RegisteredClaims{
		Subject:  permit.UserID,
		Issuer:   p.issuer,
		IssuedAt: jwt.NewNumericDate(issuedAt.UTC()),
	}
	if permit.ExpiresAt != nil {
		registered.ExpiresAt = jwt.NewNumericDate(permit.ExpiresAt.UTC())
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, PermitClaims{
		Tier:             permit.Tier,
		TotalLimit:       permit.TotalLimit,
		DailyRate:        permit.DailyRate,
		RegisteredClaims: registered,
	})
	return token.SignedString(p.signingSecret)
}

// Parse validates a permit token and returns the permit it grants.
func (p *PermitTokens) Parse(tokenString string) (Permit, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Permit{}, ErrMissingPermitToken
	}
	claims := &PermitClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return p.signingSecret, nil
		},
		jwt.WithTimeFunc(p.clock),
		jwt.WithIssuer(p.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Permit{}, ErrExpiredPermitToken
		}
		return Permit{}, fmt.Errorf("%w: %v", ErrInvalidPermitToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Permit{}, ErrInvalidPermitToken
	}
	if claims.TotalLimit <= 0 || claims.DailyRate < 0 {
		return Permit{}, ErrInvalidPermitLimits
	}

	permit := Permit{
		UserID:     strings.TrimSpace(claims.Subject),
		Tier:       claims.Tier,
		TotalLimit: claims.TotalLimit,
		DailyRate:  claims.DailyRate,
		IssuedAt:   p.clock().UTC(),
	}
	if claims.IssuedAt != nil {
		permit.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		expires := claims.ExpiresAt.Time.UTC()
		permit.ExpiresAt = &expires
	}
	return permit, nil
}
