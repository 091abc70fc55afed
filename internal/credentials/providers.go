package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvProvider reads credentials from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an EnvProvider. Keys are upper-cased, dots and
// dashes become underscores, and prefix is prepended when missing.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: strings.ToUpper(prefix)}
}

func (e *EnvProvider) Name() string { return "env" }

func (e *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if v := os.Getenv(e.envKey(key)); v != "" {
		return v, nil
	}
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", ErrNotFound
}

func (e *EnvProvider) HealthCheck(context.Context) error { return nil }

func (e *EnvProvider) envKey(key string) string {
	k := strings.ToUpper(key)
	k = strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(k)
	if e.prefix != "" && !strings.HasPrefix(k, e.prefix) {
		k = e.prefix + k
	}
	return k
}

// FileProvider reads one credential per file, as mounted by Docker or
// Kubernetes secrets.
type FileProvider struct {
	baseDir string
}

// NewFileProvider creates a FileProvider rooted at baseDir.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

func (f *FileProvider) Name() string { return "file" }

func (f *FileProvider) Get(_ context.Context, key string) (string, error) {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	if name == "" || name == "." || name == ".." {
		return "", ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(f.baseDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read credential file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func (f *FileProvider) HealthCheck(context.Context) error {
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return fmt.Errorf("cannot access credentials directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("credentials path is not a directory: %s", f.baseDir)
	}
	return nil
}

// VaultConfig configures the Vault KV v2 provider.
type VaultConfig struct {
	Address string
	Token   string
	Path    string
	Timeout time.Duration
}

// VaultProvider reads credentials from a Vault KV v2 mount.
type VaultProvider struct {
	address    string
	token      string
	basePath   string
	httpClient *http.Client
}

// NewVaultProvider creates a VaultProvider and verifies the server is
// reachable.
func NewVaultProvider(ctx context.Context, cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	vp := &VaultProvider{
		address:    strings.TrimSuffix(cfg.Address, "/"),
		token:      cfg.Token,
		basePath:   strings.Trim(cfg.Path, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := vp.HealthCheck(hctx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return vp, nil
}

func (v *VaultProvider) Name() string { return "vault" }

type vaultReadResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

func (v *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	path := "/v1/" + strings.Trim(v.basePath+"/"+strings.TrimPrefix(key, "/"), "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+path, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("vault returned status %d: %s", resp.StatusCode, string(body))
	}

	var out vaultReadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode vault response: %w", err)
	}
	if s, ok := out.Data.Data["value"].(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("secret %q has no value field: %w", key, ErrNotFound)
}

func (v *VaultProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/sys/health", nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 429 and 473 are standby nodes, which still serve reads.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusTooManyRequests, 473:
		return nil
	}
	return fmt.Errorf("vault unhealthy: status %d", resp.StatusCode)
}
