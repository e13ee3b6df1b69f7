package miiometrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	miiometrics "github.com/mihome-go/miioc/internal/metrics"
	"github.com/mihome-go/miioc/miio"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := miiometrics.NewCollector(reg)

	if c.CallsSent == nil {
		t.Error("CallsSent is nil")
	}
	if c.Handshakes == nil {
		t.Error("Handshakes is nil")
	}
	if c.Retries == nil {
		t.Error("Retries is nil")
	}
	if c.Timeouts == nil {
		t.Error("Timeouts is nil")
	}
	if c.ChecksumMismatches == nil {
		t.Error("ChecksumMismatches is nil")
	}
	if c.RemoteErrors == nil {
		t.Error("RemoteErrors is nil")
	}
	if c.InFlight == nil {
		t.Error("InFlight is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestHookForIncrementsLabeledCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := miiometrics.NewCollector(reg)
	hook := c.HookFor("kitchen-plug")

	hook(miio.Event{Kind: miio.EventCallSent})
	hook(miio.Event{Kind: miio.EventCallSent})
	hook(miio.Event{Kind: miio.EventHandshakeComplete})
	hook(miio.Event{Kind: miio.EventRetry})
	hook(miio.Event{Kind: miio.EventTimeout})
	hook(miio.Event{Kind: miio.EventChecksumMismatch})

	if got := testutil.ToFloat64(c.CallsSent.WithLabelValues("kitchen-plug")); got != 2 {
		t.Errorf("CallsSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Handshakes.WithLabelValues("kitchen-plug")); got != 1 {
		t.Errorf("Handshakes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Retries.WithLabelValues("kitchen-plug")); got != 1 {
		t.Errorf("Retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Timeouts.WithLabelValues("kitchen-plug")); got != 1 {
		t.Errorf("Timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ChecksumMismatches.WithLabelValues("kitchen-plug")); got != 1 {
		t.Errorf("ChecksumMismatches = %v, want 1", got)
	}
}

func TestHookForTracksInFlightGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := miiometrics.NewCollector(reg)
	hook := c.HookFor("kitchen-plug")

	hook(miio.Event{Kind: miio.EventCallStarted})
	hook(miio.Event{Kind: miio.EventCallStarted})
	if got := testutil.ToFloat64(c.InFlight.WithLabelValues("kitchen-plug")); got != 2 {
		t.Errorf("InFlight = %v, want 2", got)
	}

	hook(miio.Event{Kind: miio.EventCallFinished})
	if got := testutil.ToFloat64(c.InFlight.WithLabelValues("kitchen-plug")); got != 1 {
		t.Errorf("InFlight = %v, want 1", got)
	}
}

func TestIncRemoteErrors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := miiometrics.NewCollector(reg)

	c.IncRemoteErrors("hallway-sensor")
	c.IncRemoteErrors("hallway-sensor")

	if got := testutil.ToFloat64(c.RemoteErrors.WithLabelValues("hallway-sensor")); got != 2 {
		t.Errorf("RemoteErrors = %v, want 2", got)
	}
}

func TestHookForIgnoresUnlabeledKinds(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := miiometrics.NewCollector(reg)
	hook := c.HookFor("bedroom-lamp")

	hook(miio.Event{Kind: miio.EventHandshakeSent})

	if got := testutil.ToFloat64(c.Handshakes.WithLabelValues("bedroom-lamp")); got != 0 {
		t.Errorf("Handshakes = %v, want 0 (handshake not yet complete)", got)
	}
}
