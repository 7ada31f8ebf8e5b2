package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MediaInfo is what validation needs to know about a video file.
type MediaInfo struct {
	Duration time.Duration
	Width    int
	Height   int
	Codec    string
}

// Prober reads media metadata. ErrProberUnavailable means validation skips duration checks.
type Prober interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
}

var ErrProberUnavailable = errors.New("media prober unavailable")

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".m4v": true, ".avi": true, ".mkv": true, ".webm": true, ".3gp": true,
}

// IsVideo reports whether path looks like a video by extension.
func IsVideo(path string) bool { return videoExts[strings.ToLower(filepath.Ext(path))] }

// FFProbe runs ffprobe.
type FFProbe struct {
	Bin string // default "ffprobe"
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p FFProbe) Probe(ctx context.Context, path string) (MediaInfo, error) {
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return MediaInfo{}, ErrProberUnavailable
		}
		return MediaInfo{}, fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	var info MediaInfo
	if parsed.Format.Duration != "" {
		secs, _ := strconv.ParseFloat(parsed.Format.Duration, 64)
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			info.Codec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	return info, nil
}
