package compress

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestPNG(t *testing.T, path string, width, height int, shade uint8) {
	t.Helper()
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			canvas.Set(x, y, color.RGBA{R: shade, G: uint8(x % 256), B: uint8(y % 256), A: 255})
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer file.Close()
	if err := png.Encode(file, canvas); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
}

func newTestCompressor(t *testing.T) *Compressor {
	t.Helper()
	compressor, err := New(Config{OutputDir: filepath.Join(t.TempDir(), "out")})
	if err != nil {
		t.Fatalf("failed to build compressor: %v", err)
	}
	return compressor
}

func TestCompressFitsWithinMaxDimension(t *testing.T) {
	compressor := newTestCompressor(t)
	source := filepath.Join(t.TempDir(), "receipt.png")
	writeTestPNG(t, source, 2048, 1024, 200)

	result, err := compressor.Compress(context.Background(), source, "img-1")
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if result.Width != 1024 || result.Height != 512 {
		t.Fatalf("expected 1024x512, got %dx%d", result.Width, result.Height)
	}
	if filepath.Base(result.OutputPath) != "img-1.jpg" {
		t.Fatalf("unexpected output path %s", result.OutputPath)
	}
	info, err := os.Stat(result.OutputPath)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if info.Size() != result.OutputSize {
		t.Fatalf("size mismatch: %d vs %d", info.Size(), result.OutputSize)
	}
	if len(result.ContentHash) != 32 {
		t.Fatalf("expected md5 hex digest, got %q", result.ContentHash)
	}
	if _, err := os.Stat(result.OutputPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}

	output, err := os.Open(result.OutputPath)
	if err != nil {
		t.Fatalf("open output failed: %v", err)
	}
	defer output.Close()
	decoded, format, err := image.Decode(output)
	if err != nil {
		t.Fatalf("decode output failed: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("expected jpeg output, got %s", format)
	}
	if decoded.Bounds().Dx() != 1024 {
		t.Fatalf("unexpected decoded width %d", decoded.Bounds().Dx())
	}
}

func TestCompressHashIsDeterministic(t *testing.T) {
	compressor := newTestCompressor(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "a.png")
	second := filepath.Join(dir, "b.png")
	different := filepath.Join(dir, "c.png")
	writeTestPNG(t, first, 300, 400, 10)
	writeTestPNG(t, second, 300, 400, 10)
	writeTestPNG(t, different, 300, 400, 240)

	resultA, err := compressor.Compress(context.Background(), first, "a")
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	resultB, err := compressor.Compress(context.Background(), second, "b")
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	resultC, err := compressor.Compress(context.Background(), different, "c")
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}
	if resultA.ContentHash != resultB.ContentHash {
		t.Fatalf("identical inputs must hash identically")
	}
	if resultA.ContentHash == resultC.ContentHash {
		t.Fatalf("different inputs must hash differently")
	}
	if resultA.Width != 300 || resultA.Height != 400 {
		t.Fatalf("small images must not be resized, got %dx%d", resultA.Width, resultA.Height)
	}
}

func TestCompressRejectsBadInput(t *testing.T) {
	compressor := newTestCompressor(t)
	dir := t.TempDir()

	if _, err := compressor.Compress(context.Background(), filepath.Join(dir, "missing.png"), "x"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}

	textFile := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(textFile, []byte("total: 12.50\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := compressor.Compress(context.Background(), textFile, "y"); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}

	if err := Remove(filepath.Join(dir, "never-existed.jpg")); err != nil {
		t.Fatalf("removing a missing artifact must succeed, got %v", err)
	}
}
