package intake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type recordingDropper struct {
	paths chan string
}

func (d recordingDropper) Drop(_ context.Context, paths ...string) ([]string, error) {
	for _, path := range paths {
		d.paths <- path
	}
	return []string{"img-1"}, nil
}

func TestIsImageFile(t *testing.T) {
	testCases := map[string]bool{
		"/inbox/receipt.JPG":  true,
		"/inbox/scan.webp":    true,
		"/inbox/notes.txt":    false,
		"/inbox/.receipt.png": false,
		"/inbox/~receipt.png": false,
		"/inbox/receipt":      false,
	}
	for name, expected := range testCases {
		if IsImageFile(name) != expected {
			t.Fatalf("IsImageFile(%q) expected %v", name, expected)
		}
	}
}

func TestWatcherDropsSettledImagesOnce(t *testing.T) {
	dir := t.TempDir()
	dropper := recordingDropper{paths: make(chan string, 8)}
	watcher, err := NewWatcher(Config{Dir: dir, Dropper: dropper, Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	receipt := filepath.Join(dir, "receipt.png")
	for _, chunk := range []string{"part-1", "part-2", "part-3"} {
		file, err := os.OpenFile(receipt, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if _, err := file.WriteString(chunk); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		file.Close()
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case path := <-dropper.paths:
		if path != receipt {
			t.Fatalf("unexpected dropped path %s", path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected receipt to be dropped")
	}

	select {
	case path := <-dropper.paths:
		t.Fatalf("expected a single drop, got another for %s", path)
	case <-time.After(300 * time.Millisecond):
	}
}
