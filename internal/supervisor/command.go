package supervisor

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"streamgate/internal/models"
)

// CommandSpec is a fully resolved external command ready to launch.
type CommandSpec struct {
	Binary string
	Args   []string
}

// String renders the command as it would appear on a shell line.
func (s CommandSpec) String() string {
	return s.Binary + " " + strings.Join(s.Args, " ")
}

// Redacted renders the command with every occurrence of the endpoint replaced.
func (s CommandSpec) Redacted(endpoint string) string {
	rendered := s.String()
	if endpoint == "" {
		return rendered
	}
	return strings.ReplaceAll(rendered, endpoint, "<ENDPOINT>")
}

const (
	defaultSRTLatency    = 200
	defaultSRTMode       = "caller"
	defaultUDPBufferSize = 212992
	defaultRTSPTransport = "tcp"

	hlsSegmentSeconds = 2
	hlsListSize       = 5
)

// BuildInputArgs constructs the ffmpeg input arguments for a source protocol.
// Unknown or passthrough protocols feed the endpoint URL straight to -i.
// YouTube sources must be resolved to a direct media URL before calling this.
func BuildInputArgs(protocol models.SourceProtocol, endpointURL string, params map[string]string) ([]string, error) {
	if strings.TrimSpace(endpointURL) == "" {
		return nil, fmt.Errorf("endpoint url required")
	}

	switch protocol {
	case models.ProtocolSRT:
		mode := paramOrDefault(params, "mode", defaultSRTMode)
		latency := paramIntOrDefault(params, "latency", defaultSRTLatency)
		return []string{"-i", fmt.Sprintf("%s?mode=%s&latency=%d", endpointURL, mode, latency)}, nil

	case models.ProtocolUDP:
		if group, ok := params["multicast_group"]; ok {
			if err := validateMulticastGroup(group); err != nil {
				return nil, err
			}
		}
		bufferSize := paramIntOrDefault(params, "buffer_size", defaultUDPBufferSize)
		return []string{"-buffer_size", strconv.Itoa(bufferSize), "-i", endpointURL}, nil

	case models.ProtocolRTSP:
		transport := paramOrDefault(params, "transport", defaultRTSPTransport)
		return []string{"-rtsp_transport", transport, "-i", endpointURL}, nil

	default:
		return []string{"-i", endpointURL}, nil
	}
}

// BuildHLSOutputArgs constructs ffmpeg output arguments producing an HLS
// rendition in outputDir. Codecs are copied verbatim unless a transcoding
// profile forces an encode.
func BuildHLSOutputArgs(outputDir string, transcodingProfile string) []string {
	videoCodec := "copy"
	audioCodec := "copy"
	if strings.TrimSpace(transcodingProfile) != "" {
		videoCodec = "libx264"
		audioCodec = "aac"
	}
	return []string{
		"-c:v", videoCodec,
		"-c:a", audioCodec,
		"-f", "hls",
		"-hls_time", strconv.Itoa(hlsSegmentSeconds),
		"-hls_list_size", strconv.Itoa(hlsListSize),
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(outputDir, "segment_%03d.ts"),
		filepath.Join(outputDir, "manifest.m3u8"),
	}
}

// BuildIngestCommand assembles the full ffmpeg command for a channel's live
// output. DASH output is not produced yet; a format of dash or both still
// yields the HLS rendition so the channel has playable output.
func BuildIngestCommand(protocol models.SourceProtocol, endpointURL string, params map[string]string, outputDir, transcodingProfile string) (CommandSpec, error) {
	inputArgs, err := BuildInputArgs(protocol, endpointURL, params)
	if err != nil {
		return CommandSpec{}, err
	}
	args := append([]string{"-y"}, inputArgs...)
	args = append(args, BuildHLSOutputArgs(outputDir, transcodingProfile)...)
	return CommandSpec{Binary: "ffmpeg", Args: args}, nil
}

// BuildRecordingCommand assembles the ffmpeg command for a continuous capture
// of a source into an mp4 file. Codecs are always copied.
func BuildRecordingCommand(endpointURL, outputFile string) (CommandSpec, error) {
	if strings.TrimSpace(endpointURL) == "" {
		return CommandSpec{}, fmt.Errorf("endpoint url required")
	}
	if strings.TrimSpace(outputFile) == "" {
		return CommandSpec{}, fmt.Errorf("output file required")
	}
	return CommandSpec{
		Binary: "ffmpeg",
		Args: []string{
			"-y",
			"-i", endpointURL,
			"-c", "copy",
			"-f", "mp4",
			"-movflags", "+faststart",
			outputFile,
		},
	}, nil
}

// BuildSnapshotCommand assembles the ffmpeg command that captures a single
// frame from a live endpoint.
func BuildSnapshotCommand(endpointURL, outputFile string) (CommandSpec, error) {
	if strings.TrimSpace(endpointURL) == "" {
		return CommandSpec{}, fmt.Errorf("endpoint url required")
	}
	return CommandSpec{
		Binary: "ffmpeg",
		Args: []string{
			"-y",
			"-i", endpointURL,
			"-vframes", "1",
			"-q:v", "2",
			outputFile,
		},
	}, nil
}

func validateMulticastGroup(group string) error {
	ip := net.ParseIP(strings.TrimSpace(group))
	if ip == nil {
		return fmt.Errorf("multicast group %q is not a valid IP address", group)
	}
	v4 := ip.To4()
	if v4 == nil || v4[0] < 224 || v4[0] > 239 {
		return fmt.Errorf("multicast group %q outside 224.0.0.0-239.255.255.255", group)
	}
	return nil
}

func paramOrDefault(params map[string]string, key, fallback string) string {
	if value, ok := params[key]; ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func paramIntOrDefault(params map[string]string, key string, fallback int) int {
	if value, ok := params[key]; ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
