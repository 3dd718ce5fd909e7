package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// YouTube page URLs cannot be fed to ffmpeg directly; yt-dlp resolves them to
// a direct media URL first.
var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/watch\?v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/live/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:https?://)?youtu\.be/([a-zA-Z0-9_-]{11})`),
}

// ExtractVideoID pulls the 11-character video ID out of a YouTube URL.
func ExtractVideoID(url string) (string, bool) {
	trimmed := strings.TrimSpace(url)
	for _, pattern := range videoIDPatterns {
		if match := pattern.FindStringSubmatch(trimmed); match != nil {
			return match[1], true
		}
	}
	return "", false
}

// runner executes the resolve command. Tests substitute a stub.
type runner interface {
	Run(ctx context.Context, binary string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).Output()
}

// Resolver turns YouTube page URLs into direct stream URLs via yt-dlp.
type Resolver struct {
	binaryPath string
	timeout    time.Duration
	runner     runner
	logger     *slog.Logger
}

// Options configures a Resolver. Zero values select production defaults.
type Options struct {
	BinaryPath string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// New constructs a Resolver.
func New(opts Options) *Resolver {
	binary := opts.BinaryPath
	if binary == "" {
		binary = "yt-dlp"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{binaryPath: binary, timeout: timeout, runner: execRunner{}, logger: logger}
}

// Resolve returns the direct media URL for a YouTube page URL. Resolution is
// mandatory for youtube sources; failures are explicit errors, never a fallback
// to the page URL.
func (r *Resolver) Resolve(ctx context.Context, pageURL string) (string, error) {
	if _, ok := ExtractVideoID(pageURL); !ok {
		return "", fmt.Errorf("not a recognized youtube url: %s", pageURL)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{
		"--no-warnings",
		"--quiet",
		"--no-check-certificates",
		"-f", "best[ext=mp4]",
		"-g",
		pageURL,
	}
	output, err := r.runner.Run(ctx, r.binaryPath, args...)
	if err != nil {
		return "", fmt.Errorf("resolve youtube url: %w", err)
	}

	resolved := strings.TrimSpace(string(output))
	if resolved == "" {
		return "", fmt.Errorf("resolve youtube url: empty result")
	}
	// yt-dlp can print one URL per format; the first line is the muxed stream.
	if idx := strings.IndexByte(resolved, '\n'); idx >= 0 {
		resolved = strings.TrimSpace(resolved[:idx])
	}
	if !strings.HasPrefix(resolved, "http://") && !strings.HasPrefix(resolved, "https://") {
		return "", fmt.Errorf("resolve youtube url: unexpected result %q", resolved)
	}
	r.logger.Debug("resolved youtube url", "page", pageURL)
	return resolved, nil
}
