package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		KeyPrefix:    "automation",
	}
}

// RedisClient is the subset of Redis commands the repository needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	Delete(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// errKeyMissing is returned by RedisClient.Get for absent keys.
var errKeyMissing = errors.New("key not found")

// GoRedisClient implements RedisClient on top of go-redis.
type GoRedisClient struct {
	client *redis.Client
}

// NewGoRedisClient connects to Redis and verifies the connection.
func NewGoRedisClient(ctx context.Context, cfg RedisConfig) (*GoRedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, WrapConnectionError("Ping", err)
	}
	return &GoRedisClient{client: client}, nil
}

func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.client.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errKeyMissing
		}
		return nil, err
	}
	return val, nil
}

// MGet returns one entry per key; missing keys yield nil.
func (g *GoRedisClient) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := g.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

func (g *GoRedisClient) Delete(ctx context.Context, keys ...string) error {
	return g.client.Del(ctx, keys...).Err()
}

func (g *GoRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return g.client.SAdd(ctx, key, vals...).Err()
}

func (g *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, key).Result()
}

func (g *GoRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return g.client.SRem(ctx, key, vals...).Err()
}

func (g *GoRedisClient) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *GoRedisClient) Close() error {
	return g.client.Close()
}

// Sealer encrypts documents before they are written. The collection and id
// are bound as associated data so documents cannot be swapped between keys.
type Sealer interface {
	Seal(plaintext, associatedData []byte) ([]byte, error)
	Open(ciphertext, associatedData []byte) ([]byte, error)
}

// RedisRepository stores each value as a JSON document under
// "<prefix>:<collection>:<id>" and tracks ids in the set
// "<prefix>:<collection>:ids".
type RedisRepository[T any] struct {
	client     RedisClient
	prefix     string
	collection string
	ttl        time.Duration
	sealer     Sealer
}

// RedisRepositoryOption configures a RedisRepository.
type RedisRepositoryOption func(*redisOptions)

type redisOptions struct {
	ttl    time.Duration
	sealer Sealer
}

// WithTTL expires documents after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisRepositoryOption {
	return func(o *redisOptions) { o.ttl = ttl }
}

// WithSealer encrypts documents at rest.
func WithSealer(s Sealer) RedisRepositoryOption {
	return func(o *redisOptions) { o.sealer = s }
}

// NewRedisRepository creates a repository for one collection.
func NewRedisRepository[T any](client RedisClient, prefix, collection string, opts ...RedisRepositoryOption) *RedisRepository[T] {
	var o redisOptions
	for _, opt := range opts {
		opt(&o)
	}
	if prefix == "" {
		prefix = "automation"
	}
	return &RedisRepository[T]{
		client:     client,
		prefix:     prefix,
		collection: collection,
		ttl:        o.ttl,
		sealer:     o.sealer,
	}
}

func (r *RedisRepository[T]) docKey(id string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, r.collection, id)
}

func (r *RedisRepository[T]) indexKey() string {
	return fmt.Sprintf("%s:%s:ids", r.prefix, r.collection)
}

// Save writes v and indexes its id.
func (r *RedisRepository[T]) Save(ctx context.Context, id string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return WrapInvalidData("Save", r.collection, err)
	}
	if r.sealer != nil {
		data, err = r.sealer.Seal(data, []byte(r.docKey(id)))
		if err != nil {
			return &StorageError{Op: "Save", Collection: r.collection, Err: fmt.Errorf("seal: %w", err)}
		}
	}

	if err := r.client.Set(ctx, r.docKey(id), data, r.ttl); err != nil {
		return WrapQueryError("Save", r.collection, err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), id); err != nil {
		return WrapQueryError("Save", r.collection, err)
	}
	return nil
}

// Find reads the document for id.
func (r *RedisRepository[T]) Find(ctx context.Context, id string) (T, error) {
	var out T
	data, err := r.client.Get(ctx, r.docKey(id))
	if err != nil {
		if errors.Is(err, errKeyMissing) {
			return out, WrapNotFoundError("Find", r.collection, id)
		}
		return out, WrapQueryError("Find", r.collection, err)
	}
	return r.decode("Find", id, data)
}

// List reads every indexed document ordered by id. Ids whose documents have
// expired are pruned from the index.
func (r *RedisRepository[T]) List(ctx context.Context) ([]T, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey())
	if err != nil {
		return nil, WrapQueryError("List", r.collection, err)
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(id)
	}
	docs, err := r.client.MGet(ctx, keys...)
	if err != nil {
		return nil, WrapQueryError("List", r.collection, err)
	}

	out := make([]T, 0, len(ids))
	var stale []string
	for i, data := range docs {
		if data == nil {
			stale = append(stale, ids[i])
			continue
		}
		v, err := r.decode("List", ids[i], data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, r.indexKey(), stale...)
	}
	return out, nil
}

// Delete removes id. Deleting a missing id is not an error.
func (r *RedisRepository[T]) Delete(ctx context.Context, id string) error {
	if err := r.client.Delete(ctx, r.docKey(id)); err != nil {
		return WrapQueryError("Delete", r.collection, err)
	}
	if err := r.client.SRem(ctx, r.indexKey(), id); err != nil {
		return WrapQueryError("Delete", r.collection, err)
	}
	return nil
}

func (r *RedisRepository[T]) decode(op, id string, data []byte) (T, error) {
	var out T
	if r.sealer != nil {
		plain, err := r.sealer.Open(data, []byte(r.docKey(id)))
		if err != nil {
			return out, WrapInvalidData(op, r.collection, fmt.Errorf("open %s: %w", id, err))
		}
		data = plain
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, WrapInvalidData(op, r.collection, err)
	}
	return out, nil
}

// MockRedisClient is an in-memory RedisClient for tests and local runs.
type MockRedisClient struct {
	mu     sync.RWMutex
	data   map[string][]byte
	expiry map[string]time.Time
	sets   map[string]map[string]struct{}
	closed bool
}

// NewMockRedisClient creates an empty MockRedisClient.
func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{
		data:   make(map[string][]byte),
		expiry: make(map[string]time.Time),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (m *MockRedisClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MockRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.live(key)
	if !ok {
		return nil, errKeyMissing
	}
	return v, nil
}

func (m *MockRedisClient) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.live(k); ok {
			out[i] = v
		}
	}
	return out, nil
}

// live returns a copy of key's value if present and unexpired. Caller holds m.mu.
func (m *MockRedisClient) live(key string) ([]byte, bool) {
	if exp, ok := m.expiry[key]; ok && time.Now().After(exp) {
		return nil, false
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *MockRedisClient) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.data, k)
		delete(m.expiry, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MockRedisClient) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MockRedisClient) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	return out, nil
}

func (m *MockRedisClient) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, mem := range members {
		delete(m.sets[key], mem)
	}
	return nil
}

func (m *MockRedisClient) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// RawGet exposes the stored bytes for a key, for tests.
func (m *MockRedisClient) RawGet(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data[key]...)
}
