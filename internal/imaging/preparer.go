/**
 * Image Preparer - turns a source image into a transport-ready payload
 *
 * Downscales to the target width, re-encodes as JPEG and, when the result
 * is still above the soft limit, re-compresses exactly once at a lower quality.
 * Any decode/encode failure falls back to the untouched source bytes.
 */

package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/scanocr-worker/internal/errors"
	"github.com/adverant/nexus/scanocr-worker/internal/logging"
	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// PreparerConfig holds preparation settings
type PreparerConfig struct {
	TargetWidth     int   // longest side after downscaling
	Quality         int   // first JPEG pass
	FallbackQuality int   // single re-compression pass
	SoftLimit       int64 // default ceiling when the request carries none
	TempDir         string
}

// Preparer prepares images for recognition
type Preparer struct {
	config PreparerConfig
	logger *logging.Logger
}

// NewPreparer creates a new image preparer
func NewPreparer(cfg PreparerConfig, logger *logging.Logger) *Preparer {
	if cfg.TargetWidth <= 0 {
		cfg.TargetWidth = 2048
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 95
	}
	if cfg.FallbackQuality <= 0 || cfg.FallbackQuality > 100 {
		cfg.FallbackQuality = 80
	}
	if cfg.SoftLimit <= 0 {
		cfg.SoftLimit = 1000000
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Preparer{config: cfg, logger: logger}
}

// Prepare reads imageRef and produces an encoded payload. softLimit <= 0 uses the configured default.
func (p *Preparer) Prepare(ctx context.Context, imageRef string, softLimit int64) (*ocr.EncodedImage, error) {
	source, err := readSource(imageRef)
	if err != nil {
		return nil, errors.NewImagePreparationError(imageRef, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if softLimit <= 0 {
		softLimit = p.config.SoftLimit
	}

	encoded, err := p.transform(source, softLimit)
	if err != nil {
		p.logger.Warn("Image transform failed, sending original bytes",
			"image_ref", imageRef,
			"bytes", len(source),
			"error", err)
		encoded = &ocr.EncodedImage{
			Data:      source,
			MediaType: ocr.MediaTypeOrDefault(source),
			Size:      int64(len(source)),
			Original:  true,
		}
	}

	encoded.SourceType = ocr.DetectMediaType(source)
	encoded.Path = p.writeTemp(encoded)

	p.logger.Debug("Image prepared",
		"image_ref", imageRef,
		"source_bytes", len(source),
		"payload_bytes", encoded.Size,
		"width", encoded.Width,
		"height", encoded.Height,
		"original", encoded.Original)

	return encoded, nil
}

func readSource(imageRef string) ([]byte, error) {
	if imageRef == "" {
		return nil, fmt.Errorf("empty image reference")
	}
	info, err := os.Stat(imageRef)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", imageRef)
	}
	data, err := os.ReadFile(imageRef)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", imageRef)
	}
	return data, nil
}

func (p *Preparer) transform(source []byte, softLimit int64) (*ocr.EncodedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	img = downscale(img, p.config.TargetWidth)

	data, err := encodeJPEG(img, p.config.Quality)
	if err != nil {
		return nil, err
	}

	if int64(len(data)) > softLimit {
		p.logger.Debug("Payload above soft limit, re-compressing",
			"bytes", len(data),
			"soft_limit", softLimit,
			"quality", p.config.FallbackQuality)
		data, err = encodeJPEG(img, p.config.FallbackQuality)
		if err != nil {
			return nil, err
		}
	}

	bounds := img.Bounds()
	return &ocr.EncodedImage{
		Data:      data,
		MediaType: "image/jpeg",
		Size:      int64(len(data)),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	}, nil
}

// downscale shrinks img so its longest side is at most target. Smaller images are returned as-is.
func downscale(img image.Image, target int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= target {
		return img
	}

	nw := w * target / longest
	nh := h * target / longest
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// writeTemp stores the payload for later inspection. Failure only costs the artifact.
func (p *Preparer) writeTemp(img *ocr.EncodedImage) string {
	if p.config.TempDir == "" {
		return ""
	}
	if err := os.MkdirAll(p.config.TempDir, 0o755); err != nil {
		p.logger.Warn("Failed to create temp dir", "dir", p.config.TempDir, "error", err)
		return ""
	}

	path := filepath.Join(p.config.TempDir, "prepared-"+uuid.New().String()+ocr.ExtensionFor(img.MediaType))
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		p.logger.Warn("Failed to write prepared image", "path", path, "error", err)
		return ""
	}
	return path
}
