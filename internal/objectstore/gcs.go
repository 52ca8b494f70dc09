package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures a Google Cloud Storage ticket issuer.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	TicketTTL       time.Duration
	Clock           func() time.Time
}

// GCSTickets issues V4 signed PUT URLs for a GCS bucket.
type GCSTickets struct {
	client *storage.Client
	bucket string
	prefix string
	ttl    time.Duration
	clock  func() time.Time
}

func NewGCSTickets(ctx context.Context, cfg GCSConfig) (*GCSTickets, error) {
	if cfg.Bucket == "" {
		return nil, errMissingBucket
	}
	var client *storage.Client
	var err error
	if cfg.CredentialsFile != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	} else {
		// Application Default Credentials
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	ttl := cfg.TicketTTL
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GCSTickets{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, ttl: ttl, clock: clock}, nil
}

func (g *GCSTickets) RequestTicket(_ context.Context, userID, filename, intentID string) (Ticket, error) {
	key := ObjectKey(g.prefix, userID, intentID, filename)
	expires := g.clock().Add(g.ttl)
	signed, err := g.client.Bucket(g.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodPut,
		Expires: expires,
	})
	if err != nil {
		return Ticket{}, Permanent(fmt.Errorf("sign put url: %w", err))
	}
	return Ticket{URL: signed, Key: key, ExpiresAt: expires}, nil
}

func (g *GCSTickets) Remove(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (g *GCSTickets) Close() error {
	return g.client.Close()
}
