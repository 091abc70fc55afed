// Package credentials resolves opaque credential handles into secret values
// at the moment an action needs them. Integrations and rules only ever store
// handles; resolved values are never persisted or logged.
//
// A handle has the form "<provider>:<key>", for example "env:crm_token",
// "file:erp/api-key" or "vault:integrations/legal". A handle without a
// provider prefix is looked up in every configured provider in order.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no provider knows the handle.
	ErrNotFound = errors.New("credential not found")
	// ErrUnknownProvider is returned for a handle prefix with no provider.
	ErrUnknownProvider = errors.New("unknown credential provider")
	// ErrNoProvider is returned when the manager has no providers.
	ErrNoProvider = errors.New("no credential provider configured")
)

// Resolver turns a handle into a secret value.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (string, error)
}

// Provider is a read-only source of secrets.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
	HealthCheck(ctx context.Context) error
}

// Config holds credential resolution settings.
type Config struct {
	EnableEnv   bool          `yaml:"enable_env"`
	EnvPrefix   string        `yaml:"env_prefix"`
	EnableFile  bool          `yaml:"enable_file"`
	FileDir     string        `yaml:"file_dir"`
	EnableVault bool          `yaml:"enable_vault"`
	VaultAddr   string        `yaml:"vault_addr"`
	VaultToken  string        `yaml:"-"`
	VaultPath   string        `yaml:"vault_path"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default credential configuration.
func DefaultConfig() Config {
	return Config{
		EnableEnv: true,
		EnvPrefix: "AUTOMATION_CRED_",
		FileDir:   "/etc/automation/credentials",
		CacheTTL:  5 * time.Minute,
	}
}

// ParseHandle splits a handle into provider and key. The provider is empty
// when the handle has no known prefix.
func ParseHandle(handle string) (provider, key string) {
	prefix, rest, ok := strings.Cut(handle, ":")
	if !ok {
		return "", handle
	}
	switch prefix {
	case "env", "file", "vault":
		return prefix, rest
	}
	return "", handle
}

type cachedValue struct {
	value     string
	fetchedAt time.Time
}

// Manager resolves handles through its providers and caches results.
type Manager struct {
	providers []Provider
	byName    map[string]Provider
	ttl       time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedValue
}

// NewManager creates a manager over explicit providers.
func NewManager(ttl time.Duration, logger *slog.Logger, providers ...Provider) (*Manager, error) {
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		providers: providers,
		byName:    make(map[string]Provider, len(providers)),
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]cachedValue),
	}
	for _, p := range providers {
		m.byName[p.Name()] = p
	}
	return m, nil
}

// NewManagerFromConfig builds the providers enabled in cfg.
func NewManagerFromConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var providers []Provider
	if cfg.EnableVault {
		vp, err := NewVaultProvider(ctx, VaultConfig{
			Address: cfg.VaultAddr,
			Token:   cfg.VaultToken,
			Path:    cfg.VaultPath,
		})
		if err != nil {
			logger.Warn("vault credential provider unavailable, skipping", "error", err)
		} else {
			providers = append(providers, vp)
		}
	}
	if cfg.EnableEnv {
		providers = append(providers, NewEnvProvider(cfg.EnvPrefix))
	}
	if cfg.EnableFile {
		providers = append(providers, NewFileProvider(cfg.FileDir))
	}

	return NewManager(cfg.CacheTTL, logger, providers...)
}

// Resolve returns the secret value for handle.
func (m *Manager) Resolve(ctx context.Context, handle string) (string, error) {
	if strings.TrimSpace(handle) == "" {
		return "", fmt.Errorf("empty credential handle: %w", ErrNotFound)
	}
	if v, ok := m.cached(handle); ok {
		return v, nil
	}

	name, key := ParseHandle(handle)
	candidates := m.providers
	if name != "" {
		p, ok := m.byName[name]
		if !ok {
			return "", fmt.Errorf("handle %q: %w: %s", handle, ErrUnknownProvider, name)
		}
		candidates = []Provider{p}
	}

	var lastErr error
	for _, p := range candidates {
		v, err := p.Get(ctx, key)
		if err == nil {
			m.store(handle, v)
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("credential provider error",
				"provider", p.Name(),
				"handle", handle,
				"error", err,
			)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNotFound
	}
	return "", fmt.Errorf("resolve credential %q: %w", handle, lastErr)
}

// HealthCheck checks every provider.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, p := range m.providers {
		if err := p.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops a cached handle, e.g. after a credential rotation.
func (m *Manager) Invalidate(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, handle)
}

func (m *Manager) cached(handle string) (string, bool) {
	if m.ttl <= 0 {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cache[handle]
	if !ok || time.Since(c.fetchedAt) > m.ttl {
		return "", false
	}
	return c.value, true
}

func (m *Manager) store(handle, value string) {
	if m.ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[handle] = cachedValue{value: value, fetchedAt: time.Now()}
}

// Static resolves handles from a fixed map. Useful in tests and for
// single-binary deployments that inject credentials at startup.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, handle string) (string, error) {
	if v, ok := s[handle]; ok {
		return v, nil
	}
	return "", fmt.Errorf("resolve credential %q: %w", handle, ErrNotFound)
}
