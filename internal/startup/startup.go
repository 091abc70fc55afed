// Package startup runs the engine's startup diagnostics and serves the
// same dependency probes as a health endpoint.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"automation-engine/internal/config"
)

// DiagnosticResult is the outcome of one check.
type DiagnosticResult struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Status of a diagnostic check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Probe checks one external dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Diagnostics runs the startup checks.
type Diagnostics struct {
	cfg          *config.Config
	probes       []Probe
	probeTimeout time.Duration
	lookupEnv    func(string) (string, bool)
	results      []DiagnosticResult
	logger       *slog.Logger
}

// NewDiagnostics creates a diagnostics runner. Probes are the dependency
// checks for whichever backends the process actually connected to.
func NewDiagnostics(cfg *config.Config, probes []Probe, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:          cfg,
		probes:       probes,
		probeTimeout: 5 * time.Second,
		lookupEnv:    os.LookupEnv,
		logger:       logger.With("component", "startup"),
	}
}

// RunAll runs every check and returns the results in order.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.results = nil
	d.logger.Info("running startup diagnostics")

	d.checkRuntime()
	d.checkConfiguration()
	d.checkRulesDir()
	d.checkPort()
	d.checkSecurity()
	d.checkDependencies(ctx)

	d.summarize()
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{"check", result.Name, "status", result.Status.String()}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	d.addResult(DiagnosticResult{
		Name:   "runtime",
		Status: StatusOK,
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       strconv.Itoa(runtime.NumCPU()),
			"alloc_mb":   fmt.Sprintf("%.2f", float64(m.Alloc)/1024/1024),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	path := config.Path()
	if !fileExists(path) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "configuration file not found, using defaults and environment",
			Details: map[string]string{"path": path},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Details: map[string]string{"path": path},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{Name: "config_validation", Status: StatusError, Message: err.Error()})
		return
	}
	d.addResult(DiagnosticResult{Name: "config_validation", Status: StatusOK})
}

func (d *Diagnostics) checkRulesDir() {
	dir := d.cfg.Engine.RulesDir
	if dir == "" {
		d.addResult(DiagnosticResult{Name: "rules_dir", Status: StatusSkipped, Message: "no rules directory configured"})
		return
	}
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		d.addResult(DiagnosticResult{
			Name:    "rules_dir",
			Status:  StatusWarning,
			Message: "rules directory is not readable, starting with no rules",
			Details: map[string]string{"path": dir},
		})
	case !info.IsDir():
		d.addResult(DiagnosticResult{
			Name:    "rules_dir",
			Status:  StatusError,
			Message: "rules path is not a directory",
			Details: map[string]string{"path": dir},
		})
	default:
		d.addResult(DiagnosticResult{Name: "rules_dir", Status: StatusOK, Details: map[string]string{"path": dir}})
	}
}

func (d *Diagnostics) checkPort() {
	port := strconv.Itoa(d.cfg.Server.HTTPPort)
	l, err := net.Listen("tcp", ":"+port)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "http_port",
			Status:  StatusError,
			Message: fmt.Sprintf("port %s is not available: %s", port, err),
			Details: map[string]string{"port": port},
		})
		return
	}
	l.Close()
	d.addResult(DiagnosticResult{Name: "http_port", Status: StatusOK, Details: map[string]string{"port": port}})
}

func (d *Diagnostics) checkSecurity() {
	enc := d.cfg.Encryption
	switch {
	case !enc.Enabled && d.cfg.Storage.Backend == "redis":
		d.addResult(DiagnosticResult{
			Name:    "encryption",
			Status:  StatusWarning,
			Message: "stored records are not encrypted at rest",
			Details: map[string]string{"recommendation": "set encryption.enabled=true"},
		})
	case enc.Enabled:
		if _, ok := d.lookupEnv(enc.KeyEnv); !ok {
			d.addResult(DiagnosticResult{
				Name:    "encryption",
				Status:  StatusError,
				Message: "encryption enabled but key variable is unset",
				Details: map[string]string{"env": enc.KeyEnv},
			})
		} else {
			d.addResult(DiagnosticResult{Name: "encryption", Status: StatusOK, Details: map[string]string{"algorithm": enc.Algorithm}})
		}
	default:
		d.addResult(DiagnosticResult{Name: "encryption", Status: StatusSkipped, Message: "in-memory storage"})
	}

	k := d.cfg.Kafka
	if !k.Enabled {
		return
	}
	switch {
	case k.TLSSkipVerify:
		d.addResult(DiagnosticResult{
			Name:    "kafka_tls",
			Status:  StatusWarning,
			Message: "broker certificate verification is disabled",
		})
	case k.TLSEnabled && ((k.TLSCertFile != "" && !fileExists(k.TLSCertFile)) || (k.TLSCAFile != "" && !fileExists(k.TLSCAFile))):
		d.addResult(DiagnosticResult{
			Name:    "kafka_tls",
			Status:  StatusError,
			Message: "TLS enabled but certificate files missing",
			Details: map[string]string{"cert_file": k.TLSCertFile, "ca_file": k.TLSCAFile},
		})
	case !k.TLSEnabled && k.SecurityProtocol == "PLAINTEXT":
		d.addResult(DiagnosticResult{
			Name:    "kafka_tls",
			Status:  StatusWarning,
			Message: "kafka traffic is not encrypted",
		})
	default:
		d.addResult(DiagnosticResult{Name: "kafka_tls", Status: StatusOK})
	}
}

func (d *Diagnostics) checkDependencies(ctx context.Context) {
	for _, r := range RunProbes(ctx, d.probes, d.probeTimeout) {
		d.addResult(r)
	}
}

// RunProbes executes each probe with its own timeout.
func RunProbes(ctx context.Context, probes []Probe, timeout time.Duration) []DiagnosticResult {
	out := make([]DiagnosticResult, 0, len(probes))
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := p.Check(pctx)
		cancel()

		r := DiagnosticResult{
			Name:    p.Name,
			Status:  StatusOK,
			Details: map[string]string{"latency": time.Since(start).Round(time.Millisecond).String()},
		}
		if err != nil {
			r.Status = StatusError
			r.Message = err.Error()
		}
		out = append(out, r)
	}
	return out
}

func (d *Diagnostics) summarize() {
	var ok, warnings, errs, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errs++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary", "passed", ok, "warnings", warnings, "errors", errs, "skipped", skipped)
	if errs > 0 {
		d.logger.Error("startup diagnostics found errors")
	}
}

// HasErrors reports whether any check failed.
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any check warned.
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
