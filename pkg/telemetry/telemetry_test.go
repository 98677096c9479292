package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"debug", func(c *Config) { *c = *DebugConfig() }, false},
		{"missing name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFrom(zerolog.New(&buf)).NewComponentLogger("planner")

	logger.WithRunID("run-1").WithResourceID("tank/media").WithError(errors.New("boom")).Warn("slow backend")

	out := buf.String()
	for _, want := range []string{`"component":"planner"`, `"run_id":"run-1"`, `"resource":"tank/media"`, `"error":"boom"`, `"level":"warn"`, `"message":"slow backend"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFrom(zerolog.New(&buf).Level(levelOf("warn")))

	logger.Info("hidden")
	logger.Debugf("hidden %d", 1)
	logger.Errorf("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown 2") {
		t.Errorf("Unexpected output: %s", out)
	}
	if levelOf("nonsense") != zerolog.InfoLevel {
		t.Error("Expected unknown levels to fall back to info")
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tengil.log")
	cfg := DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Output = path

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	logger.WithField("action_id", "dataset:create:tank/media").Info("action succeeded")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(data), `"action_id":"dataset:create:tank/media"`) {
		t.Errorf("Expected the field in the log file, got %s", data)
	}
}

func TestLogger_Context(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected a nop logger from an empty context")
	}
	logger := NewLoggerFrom(zerolog.New(io.Discard))
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected the stored logger")
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	m.RecordRunStarted()
	m.RecordActionExecution("create_dataset", "succeeded", time.Second)

	n, err := m.Gather()
	if err != nil || n != 0 {
		t.Errorf("Expected nothing gathered, got %d (%v)", n, err)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordCheckpointCreated()
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	m.RecordRunStarted()
	m.RecordRunCompleted("completed", 2*time.Second)
	m.RecordActionExecution("create_dataset", "succeeded", 50*time.Millisecond)
	m.SetPlanActions(map[string]int{"create_dataset": 3})
	m.RecordDriftItem("safe", "modified")
	m.RecordCheckpointCreated()

	if n, err := m.Gather(); err != nil || n == 0 {
		t.Fatalf("Expected gathered families, got %d (%v)", n, err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"tengil_runs_started_total 1", `tengil_plan_actions{kind="create_dataset"} 3`, "tengil_checkpoints"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

type codedError struct{}

func (codedError) Error() string      { return "zfs: dataset is busy" }
func (codedError) ErrorClass() string { return "transient" }
func (codedError) ErrorCode() string  { return "BACKEND_BUSY" }

func TestRecordBackendCall(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	tel := &Telemetry{Logger: NewNopLogger(), Tracer: NewNopTracer(), Metrics: m, Config: DefaultConfig()}
	ctx := tel.WithContext(context.Background())

	if FromTelemetryContext(ctx) != tel {
		t.Fatal("Expected telemetry in the context")
	}

	if err := RecordBackendCall(ctx, "zfs", "create", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	err = RecordBackendCall(ctx, "zfs", "set", func(context.Context) error { return codedError{} })
	if err == nil {
		t.Fatal("Expected the backend error to be returned")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`tengil_backend_calls_total{backend="zfs",operation="create"} 1`,
		`tengil_backend_errors_total{backend="zfs",operation="set"} 1`,
		`code="BACKEND_BUSY"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in metrics output", want)
		}
	}
}

func TestStartOperation_WithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "scan")
	if op.Span != nil || op.Logger == nil || op.Start.IsZero() {
		t.Errorf("Unexpected instrumented context: %+v", op)
	}
	op.End(nil)
}

func TestTracer_Nop(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "tengil", "dev")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	ctx, span := tr.StartApplySpan(context.Background(), "run-1", "plan-1", 3)
	defer span.End()
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from the nop tracer")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}
