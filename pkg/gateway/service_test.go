package gateway

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTrackerReadiness(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(nil, []string{"telegram"})

	if tracker.isReady() {
		t.Fatal("expected not ready before any channel runs")
	}

	tracker.setChannelState("telegram", channelState{Running: true})
	if tracker.isReady() {
		t.Fatal("expected not ready without provider health")
	}

	tracker.providerOK()
	if !tracker.isReady() {
		t.Fatal("expected ready with running channel and healthy provider")
	}

	tracker.providerFailed(errors.New("boom"))
	if tracker.isReady() {
		t.Fatal("expected not ready when provider has error")
	}

	tracker.providerOK()
	tracker.setChannelState("telegram", channelState{Running: false, Error: "closed"})
	if tracker.isReady() {
		t.Fatal("expected not ready after the only channel stopped")
	}
}

func TestStatusSnapshotReportsState(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(nil, []string{"telegram", "cli"})
	tracker.markStarted()
	tracker.providerOK()
	tracker.setChannelState("telegram", channelState{Running: true})

	snap := tracker.snapshot("ok")

	if snap.Status != "ok" {
		t.Fatalf("status = %q, want ok", snap.Status)
	}
	if snap.UptimeSeconds < 0 {
		t.Fatalf("uptime = %d, want >= 0", snap.UptimeSeconds)
	}
	if snap.ProviderLastOKAt == "" {
		t.Fatal("expected provider timestamp after providerOK")
	}
	if _, err := time.Parse(time.RFC3339, snap.ProviderLastOKAt); err != nil {
		t.Fatalf("provider timestamp not RFC3339: %v", err)
	}
	if !snap.Channels["telegram"].Running {
		t.Fatal("expected telegram channel marked running")
	}
	if snap.Channels["cli"].Running {
		t.Fatal("expected cli channel not running")
	}

	// The snapshot map is a copy, mutating it must not leak back.
	snap.Channels["telegram"] = channelState{}
	if !tracker.snapshot("ok").Channels["telegram"].Running {
		t.Fatal("snapshot mutation leaked into tracker state")
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	if got := errorString(nil); got != "" {
		t.Fatalf("errorString(nil) = %q, want empty", got)
	}
	if got := errorString(errors.New("boom")); got != "boom" {
		t.Fatalf("errorString = %q, want boom", got)
	}
}
