package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Watermark configures the image overlay burnt into videos of jobs that ask for one. An empty
// Image disables it.
type Watermark struct {
	Image string
	// Position is one of top_left, top_right, bottom_left, bottom_right or center.
	Position string
	Opacity  float64
	// Scale is the overlay width relative to the video width.
	Scale float64
	// Dir holds rendered copies until their upload commits.
	Dir    string
	FFmpeg string
}

const (
	DefaultWatermarkOpacity = 0.8
	DefaultWatermarkScale   = 0.15
	watermarkTimeout        = 10 * time.Minute
	// A rendered copy smaller than this share of its source is treated as broken.
	watermarkMinRatio = 0.1
)

var overlayPositions = map[string]string{
	"top_left":     "x=20:y=20",
	"top_right":    "x=W-w-20:y=20",
	"bottom_left":  "x=20:y=H-h-20",
	"bottom_right": "x=W-w-20:y=H-h-20",
	"center":       "x=(W-w)/2:y=(H-h)/2",
}

// ErrWatermarkUnavailable means ffmpeg is not installed; the original file is published.
var ErrWatermarkUnavailable = errors.New("ffmpeg unavailable")

func (w Watermark) Enabled() bool { return w.Image != "" }

func (w Watermark) withDefaults() Watermark {
	if w.Opacity <= 0 || w.Opacity > 1 {
		w.Opacity = DefaultWatermarkOpacity
	}
	if w.Scale <= 0 || w.Scale > 1 {
		w.Scale = DefaultWatermarkScale
	}
	if _, ok := overlayPositions[w.Position]; !ok {
		w.Position = "bottom_right"
	}
	if w.Dir == "" {
		w.Dir = filepath.Join(os.TempDir(), "pubsched-watermark")
	}
	if w.FFmpeg == "" {
		w.FFmpeg = "ffmpeg"
	}
	return w
}

func (w Watermark) filter() string {
	return fmt.Sprintf("[1:v]scale=iw*%s:-1,format=rgba,colorchannelmixer=aa=%s[wm];[0:v][wm]overlay=%s",
		strconv.FormatFloat(w.Scale, 'f', -1, 64),
		strconv.FormatFloat(w.Opacity, 'f', -1, 64),
		overlayPositions[w.Position])
}

// renderOverlay writes src with the overlay applied to dst.
func renderOverlay(ctx context.Context, w Watermark, src, dst string) error {
	cmd := exec.CommandContext(ctx, w.FFmpeg,
		"-i", src,
		"-i", w.Image,
		"-filter_complex", w.filter(),
		"-c:a", "copy",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-f", "mp4",
		"-y",
		dst,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return ErrWatermarkUnavailable
		}
		return fmt.Errorf("ffmpeg watermark: %w\noutput: %s", err, clipOutput(output))
	}
	return nil
}

// clipOutput keeps the tail of ffmpeg's output, where the error is.
func clipOutput(b []byte) string {
	const limit = 512
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(b)
}

// watermarked returns the rendered copy of fi, rendering it once per source fingerprint so a
// resumed session uploads the same bytes.
func (c *Coordinator) watermarked(ctx context.Context, w Watermark, fi fileInfo, fp string) (fileInfo, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fi, err
	}
	dst := filepath.Join(w.Dir, fp+".mp4")
	if st, err := os.Stat(dst); err == nil && st.Size() > 0 {
		return fi.rendered(dst, st), nil
	}

	part := dst + ".part"
	rctx, cancel := context.WithTimeout(ctx, watermarkTimeout)
	defer cancel()
	if err := c.render(rctx, w, fi.path, part); err != nil {
		_ = os.Remove(part)
		return fi, err
	}
	st, err := os.Stat(part)
	if err != nil {
		return fi, err
	}
	if float64(st.Size()) < float64(fi.size)*watermarkMinRatio {
		_ = os.Remove(part)
		return fi, fmt.Errorf("watermarked copy of %s is only %d bytes", fi.path, st.Size())
	}
	if err := os.Rename(part, dst); err != nil {
		return fi, err
	}
	st, err = os.Stat(dst)
	if err != nil {
		return fi, err
	}
	return fi.rendered(dst, st), nil
}
