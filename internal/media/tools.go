package media

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var lookPath = exec.LookPath

// Tool describes a resolved external dependency.
type Tool struct {
	Name    string
	Path    string
	Version string
}

// CheckDependencies verifies that yt-dlp and ffmpeg can be executed and
// reports their versions. It is run once before any row is fetched.
func CheckDependencies(ctx context.Context, ytdlpPath, ffmpegPath string) ([]Tool, error) {
	if ytdlpPath == "" {
		ytdlpPath = "yt-dlp"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	checks := []struct {
		name string
		path string
		arg  string
	}{
		{"yt-dlp", ytdlpPath, "--version"},
		{"ffmpeg", ffmpegPath, "-version"},
	}

	var tools []Tool
	var missing []string
	for _, c := range checks {
		v, err := toolVersion(ctx, c.path, c.arg)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s (%v)", c.name, err))
			continue
		}
		tools = append(tools, Tool{Name: c.name, Path: c.path, Version: v})
	}
	if len(missing) > 0 {
		return tools, fmt.Errorf("missing dependencies: %s", strings.Join(missing, "; "))
	}
	return tools, nil
}

func toolVersion(ctx context.Context, path, arg string) (string, error) {
	resolved, err := lookPath(path)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, resolved, arg).Output()
	if err != nil {
		return "", err
	}
	return firstLine(string(out)), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
