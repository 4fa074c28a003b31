package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Clipper trims src to [start, end] seconds and writes the transcoded result
// to dst.
type Clipper interface {
	Clip(ctx context.Context, src, dst string, start, end float64) error
}

// FFmpeg clips and transcodes with a single ffmpeg pass:
//   - trim to [start, end] and reset timestamps
//   - fade in and out to avoid clicks at the cut points
//   - resample to SampleRate / Channels as 16-bit PCM WAV
type FFmpeg struct {
	Path       string
	SampleRate int
	Channels   int
	Fade       time.Duration
}

// NewFFmpeg returns a clipper with the dataset's output format: 48 kHz
// stereo with a 100 ms fade.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		Path:       path,
		SampleRate: 48000,
		Channels:   2,
		Fade:       100 * time.Millisecond,
	}
}

func (f *FFmpeg) Clip(ctx context.Context, src, dst string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("clip: start %.3f is not before end %.3f", start, end)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Path, f.args(src, dst, start, end)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Clean up partial output
		os.Remove(dst)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, tail(msg, 200))
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

func (f *FFmpeg) args(src, dst string, start, end float64) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", src,
		"-vn",
		"-af", f.filter(start, end),
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		dst,
	}
}

// filter builds the audio filter chain. atrim keeps sample accuracy, which
// input seeking with -ss does not guarantee for compressed sources.
func (f *FFmpeg) filter(start, end float64) string {
	dur := end - start
	chain := []string{
		fmt.Sprintf("atrim=start=%s:end=%s", seconds(start), seconds(end)),
		"asetpts=PTS-STARTPTS",
	}

	fade := f.Fade.Seconds()
	if fade > dur/2 {
		fade = dur / 2
	}
	if fade > 0 {
		chain = append(chain,
			fmt.Sprintf("afade=t=in:st=0:d=%s", seconds(fade)),
			fmt.Sprintf("afade=t=out:st=%s:d=%s", seconds(dur-fade), seconds(fade)),
		)
	}
	return strings.Join(chain, ",")
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
