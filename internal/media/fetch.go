// Package media wraps the two external tools a segment passes through:
// yt-dlp fetches the remote source, ffmpeg trims and transcodes it.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lrstanley/go-ytdlp"
	"github.com/rs/zerolog"
)

// ErrInvalidURL is returned by Fetch for URLs that cannot name a remote source.
var ErrInvalidURL = errors.New("invalid source URL")

// sourceStem is the file name stem yt-dlp writes the full download to.
const sourceStem = "source"

// Fetcher retrieves the remote media at url into dir and returns the path of
// the downloaded file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dir string) (string, error)
}

// YTDLP fetches the best available audio stream with yt-dlp.
type YTDLP struct {
	executable string
	log        zerolog.Logger
}

// NewYTDLP creates a fetcher. An empty executable lets go-ytdlp resolve
// yt-dlp from PATH or its own cache.
func NewYTDLP(executable string, log zerolog.Logger) *YTDLP {
	return &YTDLP{executable: executable, log: log}
}

func (y *YTDLP) Fetch(ctx context.Context, rawURL, dir string) (string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return "", err
	}

	cmd := ytdlp.New().
		Format("bestaudio").
		NoPlaylist().
		Quiet().
		NoWarnings().
		NoProgress().
		Output(filepath.Join(dir, sourceStem+".%(ext)s"))
	if y.executable != "" {
		cmd.SetExecutable(y.executable)
	}

	res, err := cmd.Run(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if res != nil && strings.TrimSpace(res.Stderr) != "" {
			return "", fmt.Errorf("yt-dlp: %w: %s", err, tail(res.Stderr, 200))
		}
		return "", fmt.Errorf("yt-dlp: %w", err)
	}

	path, err := findDownloaded(dir)
	if err != nil {
		return "", err
	}
	y.log.Debug().Str("url", rawURL).Str("path", path).Msg("source downloaded")
	return path, nil
}

// ValidateURL checks that raw is an absolute http(s) URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidURL, raw)
	}
	return nil
}

// findDownloaded locates the file yt-dlp produced. Partial and fragment
// files left behind by an interrupted run are ignored.
func findDownloaded(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, sourceStem+".*"))
	if err != nil {
		return "", err
	}
	var candidates []string
	for _, m := range matches {
		ext := strings.ToLower(filepath.Ext(m))
		if ext == ".part" || ext == ".ytdl" || strings.Contains(filepath.Base(m), ".part-") {
			continue
		}
		if info, err := os.Stat(m); err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no audio file found after download")
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

// EnsureYTDLP resolves the yt-dlp executable to use. A configured path wins;
// otherwise PATH is searched, and when autoInstall is set go-ytdlp downloads
// a managed copy.
func EnsureYTDLP(ctx context.Context, configured string, autoInstall bool, log zerolog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if path, err := lookPath("yt-dlp"); err == nil {
		return path, nil
	}
	if !autoInstall {
		return "", fmt.Errorf("yt-dlp not found in PATH (install it, set YTDLP_PATH, or set YTDLP_AUTO_INSTALL=true)")
	}

	resolved, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("install yt-dlp: %w", err)
	}
	log.Info().
		Str("executable", resolved.Executable).
		Str("version", resolved.Version).
		Msg("yt-dlp installed")
	return resolved.Executable, nil
}

// tail returns the last n bytes of s with whitespace collapsed, for error
// messages built from tool stderr.
func tail(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
