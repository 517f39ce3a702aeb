package garment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/jpeg"
)

// ErrNoImages is returned when Combine is called with an empty URL list.
var ErrNoImages = errors.New("garment: at least one image url is required")

const (
	defaultDownloadTimeout = 30 * time.Second
	maxImageBytes          = 20 << 20
)

// Combiner downloads garment images and composites them vertically
// into a single PNG buffer. Unreachable URLs are a known failure mode,
// so downloads carry their own timeout independent of the job's
// lifetime.
type Combiner struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCombiner creates a combiner with the given download timeout.
func NewCombiner(downloadTimeout time.Duration, logger *slog.Logger) *Combiner {
	if downloadTimeout <= 0 {
		downloadTimeout = defaultDownloadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Combiner{
		httpClient: &http.Client{Timeout: downloadTimeout},
		logger:     logger,
	}
}

// Combine fetches every URL in order and stacks the images top to
// bottom on a shared canvas, returning the encoded PNG.
func (c *Combiner) Combine(ctx context.Context, urls []string) ([]byte, error) {
	if len(urls) == 0 {
		return nil, ErrNoImages
	}

	images := make([]image.Image, 0, len(urls))
	for _, url := range urls {
		img, err := c.download(ctx, url)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	if len(images) == 1 {
		return encodePNG(images[0])
	}

	width, height := 0, 0
	for _, img := range images {
		bounds := img.Bounds()
		if bounds.Dx() > width {
			width = bounds.Dx()
		}
		height += bounds.Dy()
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	y := 0
	for _, img := range images {
		bounds := img.Bounds()
		target := image.Rect(0, y, bounds.Dx(), y+bounds.Dy())
		draw.Draw(canvas, target, img, bounds.Min, draw.Over)
		y += bounds.Dy()
	}

	c.logger.Debug("Combined garment images",
		slog.Int("count", len(images)),
		slog.Int("width", width),
		slog.Int("height", height),
	)

	return encodePNG(canvas)
}

func (c *Combiner) download(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("garment: build request for %s: %w", url, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("garment: download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("garment: download %s: unexpected status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("garment: read %s: %w", url, err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("garment: decode %s: %w", url, err)
	}

	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("garment: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
