package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	if reg == nil {
		t.Fatal("NewRegistry returned nil")
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Error("expected metrics to be registered, got none")
	}
}

func TestRegisterWith(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterWith(reg)

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedCount := 16
	if len(allMetrics) != expectedCount {
		t.Errorf("expected %d metrics in allMetrics, got %d", expectedCount, len(allMetrics))
	}
}

func TestMetricLabels(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
	}{
		{"RetriesTotal", func() { RetriesTotal.WithLabelValues("shape-stream").Inc() }},
		{"CDCEventsTotal", func() { CDCEventsTotal.WithLabelValues("postgres-app", "public.items", "INSERT").Inc() }},
		{"CDCErrorsTotal", func() { CDCErrorsTotal.WithLabelValues("postgres-app", "changelog").Inc() }},
		{"CDCPipelineState", func() { CDCPipelineState.WithLabelValues("postgres-app").Set(2) }},
		{"ChangelogAppendsTotal", func() { ChangelogAppendsTotal.WithLabelValues("items", "insert").Add(3) }},
		{"ChangelogCompactedTotal", func() { ChangelogCompactedTotal.WithLabelValues("items").Add(10) }},
		{"ChangelogRotationsTotal", func() { ChangelogRotationsTotal.WithLabelValues("items").Inc() }},
		{"APIRequestsTotal", func() { APIRequestsTotal.WithLabelValues("/v1/shape/:name", "GET", "200").Inc() }},
		{"APIRequestDuration", func() { APIRequestDuration.WithLabelValues("/v1/shape/:name", "GET").Observe(0.05) }},
		{"ShapeRequestsTotal", func() { ShapeRequestsTotal.WithLabelValues("items", "live", "200").Inc() }},
		{"LiveConnections", func() { LiveConnections.WithLabelValues("items").Inc() }},
		{"LongPollWaits", func() { LongPollWaits.WithLabelValues("items").Inc() }},
		{"ClientMessagesTotal", func() { ClientMessagesTotal.WithLabelValues("items", "update").Inc() }},
		{"ClientRefetchesTotal", func() { ClientRefetchesTotal.WithLabelValues("items").Inc() }},
		{"LocalSyncBatchesTotal", func() { LocalSyncBatchesTotal.WithLabelValues("items", "success").Inc() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic
			tt.fn()
		})
	}
}

func TestNamespaceAndSubsystems(t *testing.T) {
	if Namespace != "shapesync" {
		t.Errorf("expected namespace 'shapesync', got %q", Namespace)
	}

	subsystems := map[string]string{
		"cdc":       SubsystemCDC,
		"api":       SubsystemAPI,
		"changelog": SubsystemChangelog,
		"client":    SubsystemClient,
	}

	for expected, got := range subsystems {
		if got != expected {
			t.Errorf("subsystem constant mismatch: expected %q, got %q", expected, got)
		}
	}
}
