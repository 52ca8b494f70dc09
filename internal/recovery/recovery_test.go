package recovery

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/capture"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/compress"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/database"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/objectstore"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/quota"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/upload"
	"go.uber.org/zap"
)

type idleCompressor struct{}

func (idleCompressor) Compress(context.Context, string, string) (compress.Result, error) {
	return compress.Result{}, nil
}

type idleTarget struct{}

func (idleTarget) RequestTicket(context.Context, string, string, string) (objectstore.Ticket, error) {
	return objectstore.Ticket{}, nil
}

func (idleTarget) Put(context.Context, objectstore.Ticket, io.Reader, int64, string) error {
	return nil
}

func TestRunResetsInterruptedWorkAndReseedsQueues(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "recovery.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	store, err := images.NewStore(images.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	ledger, err := quota.NewLedger(quota.LedgerConfig{Database: db, Images: store, Location: time.UTC})
	if err != nil {
		t.Fatalf("ledger failed: %v", err)
	}
	if err := ledger.ReplacePermit(ctx, quota.Permit{UserID: "user-1", TotalLimit: 10}); err != nil {
		t.Fatalf("permit failed: %v", err)
	}

	artifact := filepath.Join(t.TempDir(), "artifact.jpg")
	if err := os.WriteFile(artifact, []byte("jpg"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	uploadedAt := base.Add(30 * time.Minute)
	rows := []images.Image{
		{ID: "a-pending", Status: images.StatusPending, CreatedAt: base},
		{ID: "b-compressing", Status: images.StatusCompressing, CreatedAt: base.Add(time.Minute)},
		{ID: "c-compressed", Status: images.StatusCompressed, CompressedPath: artifact, ContentHash: "h1", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "d-uploading", Status: images.StatusUploading, CompressedPath: artifact, ContentHash: "h2", CreatedAt: base.Add(3 * time.Minute)},
		{ID: "e-uploaded", Status: images.StatusUploaded, CompressedPath: artifact, ContentHash: "h3", UploadedAt: &uploadedAt, CreatedAt: base.Add(4 * time.Minute)},
		{ID: "f-failed", Status: images.StatusFailed, CreatedAt: base.Add(5 * time.Minute)},
	}
	for index := range rows {
		rows[index].UserID = "user-1"
		rows[index].TraceID = "trace-" + rows[index].ID
		rows[index].IntentID = "intent-" + rows[index].ID
		rows[index].OriginalPath = "/inbox/" + rows[index].ID
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	captureQueue, err := capture.New(capture.Config{Store: store, Compressor: idleCompressor{}})
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	uploadQueue, err := upload.New(upload.Config{Store: store, Ledger: ledger, Target: idleTarget{}})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	recoverer, err := New(Config{Store: store, Ledger: ledger, Capture: captureQueue, Upload: uploadQueue})
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	report, err := recoverer.Run(ctx, "user-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.ResetUploading != 1 || report.ResetCompressing != 1 || report.CaptureSeeded != 2 || report.UploadSeeded != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	pending := captureQueue.Snapshot().Pending
	if len(pending) != 2 || pending[0].ImageID != "a-pending" || pending[1].ImageID != "b-compressing" {
		t.Fatalf("unexpected capture queue %+v", pending)
	}
	tasks := uploadQueue.Snapshot().Pending
	if len(tasks) != 2 || tasks[0].ImageID != "c-compressed" || tasks[1].ImageID != "d-uploading" {
		t.Fatalf("unexpected upload queue %+v", tasks)
	}

	var count int64
	if err := db.Model(&images.Image{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != int64(len(rows)) {
		t.Fatalf("recovery must not create rows, got %d", count)
	}
	if decision := ledger.CanUpload("user-1"); decision.RemainingTotal != 10 {
		t.Fatalf("uploads before the permit was issued must not count, got %+v", decision)
	}
}
