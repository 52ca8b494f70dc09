// Package recovery reconciles persisted image rows with the in-memory queues
// after a restart, before any new capture is accepted.
package recovery

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/capture"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/quota"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/upload"
	"go.uber.org/zap"
)

var errMissingDependency = errors.New("recovery: store, ledger, capture and upload queues are required")

// Report summarizes one recovery pass.
type Report struct {
	ResetUploading   int64 `json:"reset_uploading"`
	ResetCompressing int64 `json:"reset_compressing"`
	CaptureSeeded    int   `json:"capture_seeded"`
	UploadSeeded     int   `json:"upload_seeded"`
}

type Config struct {
	Store   *images.Store
	Ledger  *quota.Ledger
	Capture *capture.Queue
	Upload  *upload.Queue
	Logger  *zap.Logger
}

type Recoverer struct {
	store   *images.Store
	ledger  *quota.Ledger
	capture *capture.Queue
	upload  *upload.Queue
	logger  *zap.Logger
}

func New(cfg Config) (*Recoverer, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Capture == nil || cfg.Upload == nil {
		return nil, errMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{store: cfg.Store, ledger: cfg.Ledger, capture: cfg.Capture, upload: cfg.Upload, logger: logger}, nil
}

// Run resets interrupted work, re-seeds both queues in capture order for userID and
// recomputes quota. It creates no rows.
func (r *Recoverer) Run(ctx context.Context, userID string) (Report, error) {
	var report Report
	var err error

	report.ResetUploading, err = r.store.ResetStatus(ctx, images.StatusUploading, images.StatusCompressed)
	if err != nil {
		return report, err
	}
	report.ResetCompressing, err = r.store.ResetStatus(ctx, images.StatusCompressing, images.StatusPending)
	if err != nil {
		return report, err
	}

	pending, err := r.store.List(ctx, userID, images.StatusPending)
	if err != nil {
		return report, err
	}
	items := make([]capture.Item, 0, len(pending))
	for _, image := range pending {
		items = append(items, capture.ItemFromImage(image))
	}
	report.CaptureSeeded = r.capture.Seed(items)

	compressed, err := r.store.List(ctx, userID, images.StatusCompressed)
	if err != nil {
		return report, err
	}
	for _, image := range compressed {
		if image.CompressedPath == "" {
			if err := r.store.MarkFailed(ctx, image.ID, images.StatusCompressed, "compressed artifact missing"); err != nil {
				return report, err
			}
			continue
		}
		if err := r.upload.Enqueue(ctx, upload.TaskFromImage(image)); err != nil {
			return report, err
		}
		report.UploadSeeded++
	}

	if err := r.ledger.Recompute(ctx, userID); err != nil {
		return report, err
	}

	r.logger.Info("recovery complete",
		zap.String("user_id", userID),
		zap.Int64("reset_uploading", report.ResetUploading),
		zap.Int64("reset_compressing", report.ResetCompressing),
		zap.Int("capture_seeded", report.CaptureSeeded),
		zap.Int("upload_seeded", report.UploadSeeded))
	return report, nil
}
