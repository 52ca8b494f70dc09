package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultTicketTTL = 15 * time.Minute

var errMissingBucket = errors.New("objectstore: bucket required")

// MinioConfig configures an S3-compatible ticket issuer.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
	TicketTTL time.Duration
	Clock     func() time.Time
}

// MinioTickets presigns PUT URLs against an S3-compatible store.
type MinioTickets struct {
	client *minio.Client
	bucket string
	prefix string
	ttl    time.Duration
	clock  func() time.Time
}

func NewMinioTickets(cfg MinioConfig) (*MinioTickets, error) {
	if cfg.Bucket == "" {
		return nil, errMissingBucket
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ttl := cfg.TicketTTL
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &MinioTickets{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, ttl: ttl, clock: clock}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinioTickets) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (m *MinioTickets) RequestTicket(ctx context.Context, userID, filename, intentID string) (Ticket, error) {
	key := ObjectKey(m.prefix, userID, intentID, filename)
	issuedAt := m.clock()
	presigned, err := m.client.PresignedPutObject(ctx, m.bucket, key, m.ttl)
	if err != nil {
		return Ticket{}, Permanent(fmt.Errorf("presign put: %w", err))
	}
	return Ticket{URL: presigned.String(), Key: key, ExpiresAt: issuedAt.Add(m.ttl)}, nil
}

func (m *MinioTickets) Remove(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
