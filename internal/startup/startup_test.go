package startup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"automation-engine/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func find(results []DiagnosticResult, name string) (DiagnosticResult, bool) {
	for _, r := range results {
		if r.Name == name {
			return r, true
		}
	}
	return DiagnosticResult{}, false
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		StatusOK:      "OK",
		StatusWarning: "WARNING",
		StatusError:   "ERROR",
		StatusSkipped: "SKIPPED",
		Status(42):    "UNKNOWN",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("Status(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestRunAll(t *testing.T) {
	t.Setenv("AUTOMATION_CONFIG_PATH", "/nonexistent/config.yaml")

	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = freePort(t)
	cfg.Engine.RulesDir = t.TempDir()

	probes := []Probe{
		{Name: "redis", Check: func(context.Context) error { return nil }},
		{Name: "clickhouse", Check: func(context.Context) error { return errors.New("connection refused") }},
	}
	d := NewDiagnostics(cfg, probes, testLogger())
	results := d.RunAll(context.Background())

	want := map[string]Status{
		"runtime":           StatusOK,
		"config_file":       StatusWarning,
		"config_validation": StatusOK,
		"rules_dir":         StatusOK,
		"http_port":         StatusOK,
		"encryption":        StatusSkipped,
		"redis":             StatusOK,
		"clickhouse":        StatusError,
	}
	for name, status := range want {
		r, ok := find(results, name)
		if !ok {
			t.Errorf("missing check %q", name)
			continue
		}
		if r.Status != status {
			t.Errorf("%s status = %s, want %s (%s)", name, r.Status, status, r.Message)
		}
	}
	if !d.HasErrors() || !d.HasWarnings() {
		t.Errorf("HasErrors=%v HasWarnings=%v", d.HasErrors(), d.HasWarnings())
	}
}

func TestCheckPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = l.Addr().(*net.TCPAddr).Port
	d := NewDiagnostics(cfg, nil, testLogger())
	d.checkPort()

	if r, _ := find(d.results, "http_port"); r.Status != StatusError {
		t.Errorf("http_port status = %s", r.Status)
	}
}

func TestCheckSecurity(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		env    map[string]string
		check  string
		want   Status
	}{
		{
			name:   "redis without encryption",
			modify: func(c *config.Config) { c.Storage.Backend = "redis" },
			check:  "encryption",
			want:   StatusWarning,
		},
		{
			name: "encryption key missing",
			modify: func(c *config.Config) {
				c.Storage.Backend = "redis"
				c.Encryption.Enabled = true
			},
			check: "encryption",
			want:  StatusError,
		},
		{
			name: "encryption key present",
			modify: func(c *config.Config) {
				c.Storage.Backend = "redis"
				c.Encryption.Enabled = true
			},
			env:   map[string]string{"AUTOMATION_ENCRYPTION_KEY": "x"},
			check: "encryption",
			want:  StatusOK,
		},
		{
			name: "kafka skip verify",
			modify: func(c *config.Config) {
				c.Kafka.Enabled = true
				c.Kafka.TLSEnabled = true
				c.Kafka.TLSSkipVerify = true
			},
			check: "kafka_tls",
			want:  StatusWarning,
		},
		{
			name: "kafka missing cert",
			modify: func(c *config.Config) {
				c.Kafka.Enabled = true
				c.Kafka.TLSEnabled = true
				c.Kafka.TLSCAFile = "/nonexistent/ca.pem"
			},
			check: "kafka_tls",
			want:  StatusError,
		},
		{
			name:   "kafka plaintext",
			modify: func(c *config.Config) { c.Kafka.Enabled = true },
			check:  "kafka_tls",
			want:   StatusWarning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)
			d := NewDiagnostics(cfg, nil, testLogger())
			d.lookupEnv = func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			}
			d.checkSecurity()

			r, ok := find(d.results, tt.check)
			if !ok {
				t.Fatalf("missing check %q in %+v", tt.check, d.results)
			}
			if r.Status != tt.want {
				t.Errorf("%s status = %s, want %s", tt.check, r.Status, tt.want)
			}
		})
	}
}

func TestRunProbesTimeout(t *testing.T) {
	probes := []Probe{{
		Name: "slow",
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	results := RunProbes(context.Background(), probes, 20*time.Millisecond)
	if len(results) != 1 || results[0].Status != StatusError {
		t.Fatalf("results = %+v", results)
	}
}

func TestHealthHandler(t *testing.T) {
	healthy := []Probe{{Name: "redis", Check: func(context.Context) error { return nil }}}

	rec := httptest.NewRecorder()
	HealthHandler(healthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || len(body.Checks) != 1 || body.Checks[0].Status != "OK" {
		t.Errorf("body = %+v", body)
	}

	failing := append(healthy, Probe{Name: "kafka", Check: func(context.Context) error { return errors.New("down") }})
	rec = httptest.NewRecorder()
	HealthHandler(failing, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
