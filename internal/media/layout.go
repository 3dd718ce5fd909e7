package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layout describes the on-disk directory structure for channel media
// artifacts. All paths are derived from a single root so deployments can
// relocate the tree with one setting.
type Layout struct {
	Root string
}

// NewLayout constructs a Layout rooted at the provided directory and creates
// the shared subdirectories.
func NewLayout(root string) (*Layout, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("media root required")
	}
	layout := &Layout{Root: trimmed}
	for _, dir := range []string{layout.HLSRoot(), layout.RecordingsRoot(), layout.ThumbnailsRoot(), layout.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create media directory %s: %w", dir, err)
		}
	}
	return layout, nil
}

func (l *Layout) HLSRoot() string {
	return filepath.Join(l.Root, "hls")
}

func (l *Layout) RecordingsRoot() string {
	return filepath.Join(l.Root, "recordings")
}

func (l *Layout) ThumbnailsRoot() string {
	return filepath.Join(l.Root, "thumbnails")
}

func (l *Layout) TempDir() string {
	return filepath.Join(l.Root, "temp")
}

// ChannelHLSDir returns the HLS output directory for a channel slug, creating
// it when missing.
func (l *Layout) ChannelHLSDir(slug string) (string, error) {
	dir := filepath.Join(l.HLSRoot(), slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create hls directory: %w", err)
	}
	return dir, nil
}

// ManifestPath returns the HLS playlist path for a channel slug without
// creating directories.
func (l *Layout) ManifestPath(slug string) string {
	return filepath.Join(l.HLSRoot(), slug, "manifest.m3u8")
}

// RecordingDir returns the directory for a single recording, creating it when
// missing. Recordings nest under the channel slug so operators can browse by
// channel.
func (l *Layout) RecordingDir(slug, recordingID string) (string, error) {
	dir := filepath.Join(l.RecordingsRoot(), slug, recordingID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording directory: %w", err)
	}
	return dir, nil
}

// RecordingFile returns the capture file path for a recording, creating the
// parent directory when missing.
func (l *Layout) RecordingFile(slug, recordingID string) (string, error) {
	dir, err := l.RecordingDir(slug, recordingID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "recording.mp4"), nil
}

// ThumbnailPath returns the snapshot path for a channel slug, creating the
// channel's thumbnail directory when missing.
func (l *Layout) ThumbnailPath(slug string) (string, error) {
	dir := filepath.Join(l.ThumbnailsRoot(), slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create thumbnail directory: %w", err)
	}
	return filepath.Join(dir, "thumbnail.jpg"), nil
}

// FileSize reports the size of a file in bytes. Missing files report zero
// without an error so callers can finalize recordings whose capture never
// produced output.
func (l *Layout) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("stat %s: is a directory", path)
	}
	return info.Size(), nil
}

// DirectorySize walks a directory and sums the sizes of regular files.
func (l *Layout) DirectorySize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", dir, err)
	}
	return total, nil
}

// CleanupOldSegments removes stale .ts segments from a channel's HLS
// directory, keeping the most recently modified keep files. The playlist and
// other files are left untouched.
func (l *Layout) CleanupOldSegments(slug string, keep int) (int, error) {
	dir := filepath.Join(l.HLSRoot(), slug)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read hls directory: %w", err)
	}

	type segment struct {
		path    string
		modTime int64
	}
	segments := make([]segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, segment{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime().UnixNano()})
	}
	if keep < 0 {
		keep = 0
	}
	if len(segments) <= keep {
		return 0, nil
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].modTime > segments[j].modTime
	})

	removed := 0
	for _, seg := range segments[keep:] {
		if err := os.Remove(seg.path); err == nil {
			removed++
		}
	}
	return removed, nil
}
