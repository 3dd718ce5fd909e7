package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/observability/metrics"
)

// StreamInfo is the parsed result of an ffprobe inspection.
type StreamInfo struct {
	VideoCodec      string    `json:"videoCodec,omitempty"`
	AudioCodec      string    `json:"audioCodec,omitempty"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
	Resolution      string    `json:"resolution,omitempty"`
	FPS             float64   `json:"fps,omitempty"`
	BitrateKbps     int       `json:"bitrateKbps,omitempty"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	FormatName      string    `json:"format,omitempty"`
	ProbedAt        time.Time `json:"probedAt"`
}

// IsValid reports whether the probe found at least one decodable stream.
func (i *StreamInfo) IsValid() bool {
	return i != nil && (i.VideoCodec != "" || i.AudioCodec != "")
}

// runner executes a probe command and returns its stdout. Tests substitute a
// stub so no real ffprobe runs.
type runner interface {
	Run(ctx context.Context, binary string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	return cmd.Output()
}

// Prober inspects live endpoints with ffprobe and captures snapshots with
// ffmpeg.
type Prober struct {
	ffprobePath string
	ffmpegPath  string
	timeout     time.Duration
	runner      runner
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

// Options configures a Prober. Zero values select production defaults.
type Options struct {
	FFprobePath string
	FFmpegPath  string
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// New constructs a Prober.
func New(opts Options) *Prober {
	ffprobePath := opts.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		ffprobePath: ffprobePath,
		ffmpegPath:  ffmpegPath,
		timeout:     timeout,
		runner:      execRunner{},
		logger:      logger,
		metrics:     opts.Metrics,
	}
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		BitRate    string `json:"bit_rate"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe inspects an endpoint and returns its stream info. A nil result with a
// nil error means the endpoint answered but exposed no decodable stream;
// command failures and timeouts also yield nil so callers treat every failure
// mode as an unreachable source.
func (p *Prober) Probe(ctx context.Context, protocol models.SourceProtocol, endpointURL string) *StreamInfo {
	if p.metrics != nil {
		p.metrics.ObserveProbeAttempt("probe")
	}

	args := []string{"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams"}
	if protocol == models.ProtocolRTSP {
		args = append([]string{"-rtsp_transport", "tcp"}, args...)
	}
	args = append(args, endpointURL)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.runner.Run(ctx, p.ffprobePath, args...)
	if err != nil {
		p.logger.Debug("probe failed", "endpoint", endpointURL, "error", err)
		p.observeFailure("probe")
		return nil
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		p.logger.Warn("probe produced invalid json", "endpoint", endpointURL, "error", err)
		p.observeFailure("probe")
		return nil
	}

	info := &StreamInfo{ProbedAt: time.Now().UTC()}
	info.FormatName = parsed.Format.FormatName
	if bitrate, err := strconv.Atoi(parsed.Format.BitRate); err == nil && bitrate > 0 {
		info.BitrateKbps = bitrate / 1000
	}
	if duration, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.DurationSeconds = duration
	}

	for _, stream := range parsed.Streams {
		switch stream.CodecType {
		case "video":
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			if stream.Width > 0 && stream.Height > 0 {
				info.Resolution = fmt.Sprintf("%dx%d", stream.Width, stream.Height)
			}
			info.FPS = parseFrameRate(stream.RFrameRate)
		case "audio":
			info.AudioCodec = stream.CodecName
		}
	}

	if !info.IsValid() {
		p.logger.Warn("probe returned no decodable streams", "endpoint", endpointURL)
		p.observeFailure("probe")
		return nil
	}
	return info
}

// TestConnectivity reports whether an endpoint is reachable. It never returns
// an error so callers can surface a plain yes or no.
func (p *Prober) TestConnectivity(ctx context.Context, endpointURL string) bool {
	if p.metrics != nil {
		p.metrics.ObserveProbeAttempt("connectivity")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		endpointURL,
	}
	if _, err := p.runner.Run(ctx, p.ffprobePath, args...); err != nil {
		p.logger.Debug("connectivity test failed", "endpoint", endpointURL, "error", err)
		p.observeFailure("connectivity")
		return false
	}
	return true
}

// Snapshot captures a single frame from the endpoint into outputPath.
func (p *Prober) Snapshot(ctx context.Context, protocol models.SourceProtocol, endpointURL, outputPath string) error {
	if p.metrics != nil {
		p.metrics.ObserveProbeAttempt("snapshot")
	}

	args := []string{"-y"}
	if protocol == models.ProtocolRTSP {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", endpointURL, "-vframes", "1", "-q:v", "2", outputPath)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if _, err := p.runner.Run(ctx, p.ffmpegPath, args...); err != nil {
		p.observeFailure("snapshot")
		return fmt.Errorf("capture snapshot: %w", err)
	}
	return nil
}

func (p *Prober) observeFailure(operation string) {
	if p.metrics != nil {
		p.metrics.ObserveProbeFailure(operation)
	}
}

// parseFrameRate converts ffprobe's rational frame rate (for example 30000/1001)
// into a float rounded to two decimals.
func parseFrameRate(value string) float64 {
	parts := strings.SplitN(value, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0
	}
	den, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || den == 0 {
		return 0
	}
	return float64(int((float64(num)/float64(den))*100+0.5)) / 100
}
