package supervisor

import (
	"path/filepath"
	"strings"
	"testing"

	"streamgate/internal/models"
)

func TestBuildInputArgsSRT(t *testing.T) {
	args, err := BuildInputArgs(models.ProtocolSRT, "srt://encoder:9000", nil)
	if err != nil {
		t.Fatalf("BuildInputArgs returned error: %v", err)
	}
	want := []string{"-i", "srt://encoder:9000?mode=caller&latency=200"}
	assertArgs(t, args, want)

	args, err = BuildInputArgs(models.ProtocolSRT, "srt://encoder:9000", map[string]string{"mode": "listener", "latency": "500"})
	if err != nil {
		t.Fatalf("BuildInputArgs returned error: %v", err)
	}
	assertArgs(t, args, []string{"-i", "srt://encoder:9000?mode=listener&latency=500"})
}

func TestBuildInputArgsUDP(t *testing.T) {
	args, err := BuildInputArgs(models.ProtocolUDP, "udp://239.1.1.1:1234", map[string]string{"multicast_group": "239.1.1.1"})
	if err != nil {
		t.Fatalf("BuildInputArgs returned error: %v", err)
	}
	assertArgs(t, args, []string{"-buffer_size", "212992", "-i", "udp://239.1.1.1:1234"})

	args, err = BuildInputArgs(models.ProtocolUDP, "udp://10.0.0.5:1234", map[string]string{"buffer_size": "65536"})
	if err != nil {
		t.Fatalf("BuildInputArgs returned error: %v", err)
	}
	assertArgs(t, args, []string{"-buffer_size", "65536", "-i", "udp://10.0.0.5:1234"})
}

func TestBuildInputArgsRejectsInvalidMulticastGroup(t *testing.T) {
	for _, group := range []string{"10.1.1.1", "240.0.0.1", "223.255.255.255", "not-an-ip"} {
		_, err := BuildInputArgs(models.ProtocolUDP, "udp://host:1234", map[string]string{"multicast_group": group})
		if err == nil {
			t.Fatalf("expected error for multicast group %q", group)
		}
	}
	for _, group := range []string{"224.0.0.1", "239.255.255.255", "235.1.2.3"} {
		if _, err := BuildInputArgs(models.ProtocolUDP, "udp://host:1234", map[string]string{"multicast_group": group}); err != nil {
			t.Fatalf("group %q should be accepted: %v", group, err)
		}
	}
}

func TestBuildInputArgsRTSPAndPassthrough(t *testing.T) {
	args, err := BuildInputArgs(models.ProtocolRTSP, "rtsp://camera/live", nil)
	if err != nil {
		t.Fatalf("BuildInputArgs returned error: %v", err)
	}
	assertArgs(t, args, []string{"-rtsp_transport", "tcp", "-i", "rtsp://camera/live"})

	for _, protocol := range []models.SourceProtocol{models.ProtocolHLS, models.ProtocolHTTPTS, models.ProtocolDASH, models.ProtocolFile} {
		args, err := BuildInputArgs(protocol, "http://origin/stream", nil)
		if err != nil {
			t.Fatalf("BuildInputArgs(%s) returned error: %v", protocol, err)
		}
		assertArgs(t, args, []string{"-i", "http://origin/stream"})
	}

	if _, err := BuildInputArgs(models.ProtocolHLS, "  ", nil); err == nil {
		t.Fatal("expected error for blank endpoint")
	}
}

func TestBuildHLSOutputArgs(t *testing.T) {
	args := BuildHLSOutputArgs("/media/hls/news", "")
	joined := strings.Join(args, " ")
	for _, fragment := range []string{
		"-c:v copy", "-c:a copy", "-f hls",
		"-hls_time 2", "-hls_list_size 5",
		"-hls_flags delete_segments+append_list",
		filepath.Join("/media/hls/news", "segment_%03d.ts"),
		filepath.Join("/media/hls/news", "manifest.m3u8"),
	} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("expected %q in %q", fragment, joined)
		}
	}

	transcoded := strings.Join(BuildHLSOutputArgs("/media/hls/news", "720p"), " ")
	if !strings.Contains(transcoded, "-c:v libx264") || !strings.Contains(transcoded, "-c:a aac") {
		t.Fatalf("transcoding profile should force encode, got %q", transcoded)
	}
}

func TestBuildIngestCommand(t *testing.T) {
	spec, err := BuildIngestCommand(models.ProtocolSRT, "srt://encoder:9000", nil, "/media/hls/news", "")
	if err != nil {
		t.Fatalf("BuildIngestCommand returned error: %v", err)
	}
	if spec.Binary != "ffmpeg" {
		t.Fatalf("binary = %q", spec.Binary)
	}
	if spec.Args[0] != "-y" {
		t.Fatalf("expected -y first, got %v", spec.Args)
	}
	redacted := spec.Redacted("srt://encoder:9000")
	if strings.Contains(redacted, "srt://encoder:9000") {
		t.Fatalf("redacted command still contains endpoint: %q", redacted)
	}
	if !strings.Contains(redacted, "<ENDPOINT>") {
		t.Fatalf("expected redaction marker in %q", redacted)
	}
}

func TestBuildRecordingCommand(t *testing.T) {
	spec, err := BuildRecordingCommand("http://origin/stream", "/media/recordings/news/rec-1/recording.mp4")
	if err != nil {
		t.Fatalf("BuildRecordingCommand returned error: %v", err)
	}
	assertArgs(t, spec.Args, []string{
		"-y",
		"-i", "http://origin/stream",
		"-c", "copy",
		"-f", "mp4",
		"-movflags", "+faststart",
		"/media/recordings/news/rec-1/recording.mp4",
	})

	if _, err := BuildRecordingCommand("", "out.mp4"); err == nil {
		t.Fatal("expected error for blank endpoint")
	}
	if _, err := BuildRecordingCommand("http://origin/stream", ""); err == nil {
		t.Fatal("expected error for blank output")
	}
}

func TestBuildSnapshotCommand(t *testing.T) {
	spec, err := BuildSnapshotCommand("http://origin/stream", "/media/thumbnails/news/thumbnail.jpg")
	if err != nil {
		t.Fatalf("BuildSnapshotCommand returned error: %v", err)
	}
	assertArgs(t, spec.Args, []string{
		"-y",
		"-i", "http://origin/stream",
		"-vframes", "1",
		"-q:v", "2",
		"/media/thumbnails/news/thumbnail.jpg",
	})
}

func assertArgs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q (full %v)", i, got[i], want[i], got)
		}
	}
}
