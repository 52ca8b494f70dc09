// Package compress turns a captured receipt photo into a small grayscale JPEG
// and fingerprints the result for duplicate detection.
package compress

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxDimension = 1024
	DefaultQuality      = 75
	outputExtension     = ".jpg"
)

var (
	ErrSourceNotFound  = errors.New("compress: source file not found")
	ErrUnsupportedType = errors.New("compress: unsupported file type")
	ErrDecodeFailed    = errors.New("compress: image decode failed")
	ErrMissingOutput   = errors.New("compress: output directory required")
)

// Result describes a written compressed artifact.
type Result struct {
	OutputPath   string
	OutputSize   int64
	OriginalSize int64
	ContentHash  string
	Width        int
	Height       int
}

type Config struct {
	OutputDir    string
	MaxDimension int
	Quality      int
	Logger       *zap.Logger
}

type Compressor struct {
	outputDir    string
	maxDimension int
	quality      int
	logger       *zap.Logger
}

func New(cfg Config) (*Compressor, error) {
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		return nil, ErrMissingOutput
	}
	maxDimension := cfg.MaxDimension
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{outputDir: outputDir, maxDimension: maxDimension, quality: quality, logger: logger}, nil
}

// OutputPath is where the artifact for imageID is written.
func (c *Compressor) OutputPath(imageID string) string {
	return filepath.Join(c.outputDir, imageID+outputExtension)
}

// Compress decodes sourcePath, fits it within the maximum dimension, converts it to
// grayscale and encodes it as JPEG. The content hash is the MD5 of the encoded bytes.
func (c *Compressor) Compress(ctx context.Context, sourcePath, imageID string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, fmt.Errorf("%w: %s", ErrSourceNotFound, sourcePath)
		}
		return Result{}, err
	}

	detected, err := mimetype.DetectFile(sourcePath)
	if err != nil {
		return Result{}, err
	}
	if !strings.HasPrefix(detected.String(), "image/") {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedType, detected.String())
	}

	decoded, err := imaging.Open(sourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	processed := c.fit(decoded)
	processed = imaging.Grayscale(processed)

	var encoded bytes.Buffer
	if err := imaging.Encode(&encoded, processed, imaging.JPEG, imaging.JPEGQuality(c.quality)); err != nil {
		return Result{}, err
	}
	sum := md5.Sum(encoded.Bytes())

	outputPath := c.OutputPath(imageID)
	written, err := writeAtomic(outputPath, bytes.NewReader(encoded.Bytes()))
	if err != nil {
		return Result{}, err
	}

	bounds := processed.Bounds()
	c.logger.Debug("image compressed",
		zap.String("image_id", imageID),
		zap.String("source_type", detected.String()),
		zap.String("original_size", humanize.Bytes(uint64(info.Size()))),
		zap.String("compressed_size", humanize.Bytes(uint64(written))),
		zap.Int("width", bounds.Dx()),
		zap.Int("height", bounds.Dy()))

	return Result{
		OutputPath:   outputPath,
		OutputSize:   written,
		OriginalSize: info.Size(),
		ContentHash:  hex.EncodeToString(sum[:]),
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
	}, nil
}

func (c *Compressor) fit(src image.Image) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() <= c.maxDimension && bounds.Dy() <= c.maxDimension {
		return src
	}
	return imaging.Fit(src, c.maxDimension, c.maxDimension, imaging.Lanczos)
}

// Remove deletes a compressed artifact. A missing file is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
