package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/testsupport/redisstub"
)

func TestRedisSinkPublishesInsights(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	sink, err := NewRedisSink(RedisSinkConfig{
		Addr:     srv.Addr(),
		Password: "secret",
		Stream:   "test-alerts",
	})
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	t.Cleanup(func() {
		_ = sink.Close()
	})

	insight := models.Insight{
		ID:        "ins-1",
		ChannelID: "channel-1",
		Rule:      RuleLowBitrate,
		Severity:  models.SeverityWarning,
		Title:     "Low bitrate on source uplink",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := sink.Publish(context.Background(), insight); err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries := srv.Entries("test-alerts")
	if len(entries) != 1 {
		t.Fatalf("expected one stream entry, got %d", len(entries))
	}
	var got models.Insight
	if err := json.Unmarshal([]byte(entries[0].Values["payload"]), &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.ID != insight.ID || got.Rule != insight.Rule || got.Severity != insight.Severity {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestRedisSinkTrimsToMaxLen(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	sink, err := NewRedisSink(RedisSinkConfig{
		Addr:   srv.Addr(),
		Stream: "test-alerts",
		MaxLen: 3,
	})
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	t.Cleanup(func() {
		_ = sink.Close()
	})

	for i := 0; i < 5; i++ {
		insight := models.Insight{ID: fmt.Sprintf("ins-%d", i), ChannelID: "channel-1", Rule: RuleHighPacketLoss}
		if err := sink.Publish(context.Background(), insight); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	entries := srv.Entries("test-alerts")
	if len(entries) != 3 {
		t.Fatalf("expected stream trimmed to 3 entries, got %d", len(entries))
	}
	var newest models.Insight
	if err := json.Unmarshal([]byte(entries[len(entries)-1].Values["payload"]), &newest); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if newest.ID != "ins-4" {
		t.Fatalf("expected newest entry retained, got %s", newest.ID)
	}
}
