package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := t.TempDir() + "/machinist.log"
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info().Str("component", "test").Msg("hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("log file missing event: %s", data)
	}
}

func TestMetricsExposed(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "machinist"})

	m.RecordDeploymentStarted("create")
	m.RecordStateTransition("queued", "planning")
	m.RecordDeploymentCompleted("create", "succeeded", 3*time.Second)
	m.RecordError("PROVIDER_ERROR")
	m.RecordProviderCall("digitalocean", "describe", 120*time.Millisecond)
	m.RecordReconcileRun("ok", time.Second)
	m.SetMachinesDrifted(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"machinist_deployments_started_total",
		"machinist_deployments_completed_total",
		"machinist_state_transitions_total",
		"machinist_errors_total",
		"machinist_provider_calls_total",
		"machinist_reconcile_runs_total",
		"machinist_machines_drifted 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	m.RecordDeploymentStarted("create")
	m.RecordDeploymentCompleted("create", "failed", time.Second)
	m.RecordStateTransition("queued", "planning")
	m.RecordError("INTERNAL_ERROR")
	m.RecordProviderError("digitalocean", "reboot")
	m.SetMachinesDrifted(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled metrics handler returned %d, want 404", rec.Code)
	}
}

func TestNewTracerDisabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	ctx, span := tr.Start(context.Background(), "noop")
	span.End()
	if ctx == nil {
		t.Fatal("Start returned nil context")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewTracerRejectsUnknownExporter(t *testing.T) {
	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "jaeger"}, "test"); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
