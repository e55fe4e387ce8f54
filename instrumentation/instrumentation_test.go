package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled uses no-op providers",
			config: Config{Enabled: false},
		},
		{
			name: "enabled with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "authserver-test",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "enabled with prometheus exporter",
			config: Config{Enabled: true, MetricsExporter: MetricsExporterPrometheus},
		},
		{
			name:    "unknown exporter",
			config:  Config{Enabled: true, MetricsExporter: "carrier-pigeon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			for _, scope := range []string{"http", "server", "storage", "keys"} {
				if inst.Meter(scope) == nil {
					t.Errorf("Meter(%q) returned nil", scope)
				}
				if inst.Tracer(scope) == nil {
					t.Errorf("Tracer(%q) returned nil", scope)
				}
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.PrometheusHandler() != nil {
		t.Error("PrometheusHandler() should be nil without the prometheus exporter")
	}
	if inst.ShouldLogClientIPs() {
		t.Error("client IP logging should default to off")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestPrometheusHandler_Scrape(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricsExporter: MetricsExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordTokenIssued(ctx, "demo-client", "authorization_code", "access_token")
	inst.Metrics().RecordCodeReuseDetected(ctx)

	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 7 },
		nil,
		nil,
	); err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	handler := inst.PrometheusHandler()
	if handler == nil {
		t.Fatal("PrometheusHandler() returned nil")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"oauth_tokens_issued", "oauth_code_reuse_detected", "storage_codes_count", "storage_tokens_count"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestRegisterStorageSizeCallbacks_Disabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
		func() int64 { return 4 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}
