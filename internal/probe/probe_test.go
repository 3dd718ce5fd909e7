package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"streamgate/internal/models"
)

type stubRunner struct {
	output []byte
	err    error
	calls  [][]string
}

func (r *stubRunner) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	call := append([]string{binary}, args...)
	r.calls = append(r.calls, call)
	return r.output, r.err
}

func newTestProber(r *stubRunner) *Prober {
	p := New(Options{Timeout: time.Second, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	p.runner = r
	return p
}

const sampleProbeJSON = `{
	"format": {"format_name": "mpegts", "bit_rate": "4500000", "duration": "12.5"},
	"streams": [
		{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "r_frame_rate": "30000/1001"},
		{"codec_type": "audio", "codec_name": "aac"}
	]
}`

func TestProbeParsesStreamInfo(t *testing.T) {
	runner := &stubRunner{output: []byte(sampleProbeJSON)}
	prober := newTestProber(runner)

	info := prober.Probe(context.Background(), models.ProtocolHLS, "http://origin/stream.m3u8")
	if info == nil {
		t.Fatal("expected stream info")
	}
	if info.VideoCodec != "h264" || info.AudioCodec != "aac" {
		t.Fatalf("codecs = %q/%q", info.VideoCodec, info.AudioCodec)
	}
	if info.Resolution != "1920x1080" {
		t.Fatalf("resolution = %q", info.Resolution)
	}
	if info.FPS != 29.97 {
		t.Fatalf("fps = %v", info.FPS)
	}
	if info.BitrateKbps != 4500 {
		t.Fatalf("bitrate = %d", info.BitrateKbps)
	}
	if info.DurationSeconds != 12.5 {
		t.Fatalf("duration = %v", info.DurationSeconds)
	}
	if info.FormatName != "mpegts" {
		t.Fatalf("format = %q", info.FormatName)
	}
	if !info.IsValid() {
		t.Fatal("info should be valid")
	}
}

func TestProbeRTSPAddsTransportFlag(t *testing.T) {
	runner := &stubRunner{output: []byte(sampleProbeJSON)}
	prober := newTestProber(runner)

	prober.Probe(context.Background(), models.ProtocolRTSP, "rtsp://camera/live")
	if len(runner.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(runner.calls))
	}
	joined := strings.Join(runner.calls[0], " ")
	if !strings.HasPrefix(joined, "ffprobe -rtsp_transport tcp") {
		t.Fatalf("expected rtsp transport flag first, got %q", joined)
	}
}

func TestProbeFailureModesReturnNil(t *testing.T) {
	cases := []struct {
		name   string
		runner *stubRunner
	}{
		{"command error", &stubRunner{err: errors.New("exit status 1")}},
		{"invalid json", &stubRunner{output: []byte("not json")}},
		{"no streams", &stubRunner{output: []byte(`{"format": {"format_name": "mpegts"}, "streams": []}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prober := newTestProber(tc.runner)
			if info := prober.Probe(context.Background(), models.ProtocolHLS, "http://origin/stream"); info != nil {
				t.Fatalf("expected nil info, got %+v", info)
			}
		})
	}
}

func TestTestConnectivity(t *testing.T) {
	ok := newTestProber(&stubRunner{output: []byte("12.5\n")})
	if !ok.TestConnectivity(context.Background(), "http://origin/stream") {
		t.Fatal("expected reachable endpoint")
	}

	down := newTestProber(&stubRunner{err: errors.New("connection refused")})
	if down.TestConnectivity(context.Background(), "http://origin/stream") {
		t.Fatal("expected unreachable endpoint")
	}
}

func TestSnapshotBuildsFFmpegCommand(t *testing.T) {
	runner := &stubRunner{}
	prober := newTestProber(runner)

	if err := prober.Snapshot(context.Background(), models.ProtocolHLS, "http://origin/stream", "/tmp/thumb.jpg"); err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	joined := strings.Join(runner.calls[0], " ")
	if !strings.HasPrefix(joined, "ffmpeg -y -i http://origin/stream -vframes 1 -q:v 2 /tmp/thumb.jpg") {
		t.Fatalf("unexpected snapshot command %q", joined)
	}

	failing := newTestProber(&stubRunner{err: errors.New("no frame")})
	if err := failing.Snapshot(context.Background(), models.ProtocolHLS, "http://origin/stream", "/tmp/thumb.jpg"); err == nil {
		t.Fatal("expected snapshot error")
	}
}

func TestParseFrameRate(t *testing.T) {
	cases := map[string]float64{
		"30000/1001": 29.97,
		"25/1":       25,
		"0/0":        0,
		"":           0,
		"60":         0,
		"24000/1001": 23.98,
	}
	for input, want := range cases {
		if got := parseFrameRate(input); got != want {
			t.Fatalf("parseFrameRate(%q) = %v, want %v", input, got, want)
		}
	}
}
