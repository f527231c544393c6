package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wzdat/wzdat/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "production", modify: func(c *Config) { *c = *ProductionConfig() }},
		{name: "development", modify: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "missing service", modify: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", modify: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", modify: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wzdat.log")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.NewComponentLogger("resolver").WithPassID("p1").WithUnit("a.ipynb").Info("Unit completed")
	logger.Zerolog().Debug().Msg("direct")
	if err := logger.Close(); err != nil {
		t.Fatalf("failed to close logger: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), data)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	for key, want := range map[string]string{"component": "resolver", "pass_id": "p1", "unit": "a.ipynb", "message": "Unit completed"} {
		if entry[key] != want {
			t.Errorf("expected %s=%q, got %v", key, want, entry[key])
		}
	}
}

func TestLogger_Context(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected fallback logger")
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("warn").String(); got != "warn" {
		t.Errorf("expected warn, got %s", got)
	}
	if got := ParseLevel("nonsense").String(); got != "info" {
		t.Errorf("expected info fallback, got %s", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordPassStarted()
	m.RecordUnitDecision("executed")
	m.RecordUnitDecision("fresh")
	m.RecordUnitDecision("fresh")
	m.RecordUnitRun("success", 2*time.Second)
	m.RecordArtifactWrite("append", 3)
	m.RecordArtifactWrite("append", 4)
	m.RecordConfigurationError(engine.ErrCodeCircularDependency)
	m.RecordOrphansReconciled(2)
	m.RecordPassCompleted("success", 3*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"wzdat_passes_started_total 1",
		`wzdat_passes_completed_total{status="success"} 1`,
		"wzdat_active_passes 0",
		`wzdat_unit_decisions_total{decision="fresh"} 2`,
		`wzdat_unit_runs_total{status="success"} 1`,
		`wzdat_artifact_writes_total{mode="append"} 2`,
		`wzdat_artifact_rows_written_total{mode="append"} 7`,
		`wzdat_configuration_errors_total{code="CIRCULAR_DEPENDENCY"} 1`,
		"wzdat_orphans_reconciled_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output", want)
		}
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordPassStarted()
	m.RecordArtifactWrite("overwrite", 1)
	m.RecordPassCompleted("failed", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 from disabled metrics, got %d", rec.Code)
	}
	if err := m.Serve(context.Background(), FromContext(context.Background()).zlog); err != nil {
		t.Errorf("expected disabled Serve to return nil, got %v", err)
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	defer ep.Shutdown(context.Background())

	var all, unitA []Event
	ep.Subscribe(func(e Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e Event) { unitA = append(unitA, e) }, FilterByUnit("a.ipynb"))
	ep.AddFilter(func(e Event) bool { return e.Type != engine.EventTypePassStarted })

	ctx := context.Background()
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypePassStarted, PassID: "p"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeUnitStarted, PassID: "p", UnitPath: "a.ipynb", Level: "info"})
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeUnitCompleted, PassID: "p", UnitPath: "b.ipynb", Level: "info"})

	if len(all) != 2 {
		t.Fatalf("expected 2 events after global filter, got %d", len(all))
	}
	if all[0].ID == "" || all[0].ID == all[1].ID {
		t.Error("expected distinct event IDs")
	}
	if all[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if len(unitA) != 1 || unitA[0].Type != engine.EventTypeUnitStarted {
		t.Errorf("unexpected unit events: %+v", unitA)
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		EnableAsync:   true,
		BufferSize:    16,
		MaxBatchSize:  4,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var (
		mu  sync.Mutex
		got []engine.EventType
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	}, FilterByType(engine.EventTypeUnitFailed))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeUnitFailed, Level: "error"}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	_ = ep.Publish(ctx, &engine.Event{Type: engine.EventTypeUnitCompleted, Level: "info"})

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Errorf("expected 5 delivered failures, got %d", len(got))
	}
	if err := ep.Publish(ctx, &engine.Event{Type: engine.EventTypeUnitFailed}); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestJSONLinesSubscriber(t *testing.T) {
	var buf bytes.Buffer
	sub := JSONLinesSubscriber(&buf)
	sub(Event{ID: "e1", Event: engine.Event{Type: engine.EventTypeUnitFailed, UnitPath: "a.ipynb", Message: "boom", Level: "error"}})

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if decoded["id"] != "e1" || decoded["type"] != "unit.failed" || decoded["unit_path"] != "a.ipynb" {
		t.Errorf("unexpected event JSON: %v", decoded)
	}
}

func TestTracer_Stdout(t *testing.T) {
	cfg := DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	var buf bytes.Buffer
	tr, err := newTracer(cfg, "wzdat", "test", "test", &buf)
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}

	ctx, span := tr.Start(context.Background(), "resolve")
	if TraceID(ctx) == "" {
		t.Error("expected trace ID in context")
	}
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if !strings.Contains(buf.String(), `"Name": "resolve"`) {
		t.Errorf("expected exported span, got: %s", buf.String())
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr, err := newTracer(DefaultConfig().Tracing, "wzdat", "test", "test", io.Discard)
	if err != nil {
		t.Fatalf("failed to create tracer: %v", err)
	}
	if err := tr.ForceFlush(context.Background()); err != nil {
		t.Errorf("flush failed: %v", err)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
