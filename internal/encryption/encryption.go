// Package encryption seals stored documents with AES-256-GCM or XChaCha20-Poly1305.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrUnknownAlgorithm  = errors.New("unknown encryption algorithm")
	ErrUnknownKeyVersion = errors.New("unknown key version")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Algorithm names an AEAD construction.
type Algorithm string

const (
	AES256GCM         Algorithm = "AES-256-GCM"
	XChaCha20Poly1305 Algorithm = "XCHACHA20-POLY1305"
)

var algorithmIDs = map[Algorithm]byte{AES256GCM: 1, XChaCha20Poly1305: 2}

// ParseAlgorithm normalizes an algorithm name. Empty selects AES-256-GCM.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToUpper(strings.TrimSpace(s))); a {
	case "":
		return AES256GCM, nil
	case AES256GCM, XChaCha20Poly1305:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
	}
}

func algorithmByID(id byte) (Algorithm, bool) {
	for a, v := range algorithmIDs {
		if v == id {
			return a, true
		}
	}
	return "", false
}

// Config holds encryption configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// MasterKey is input keying material; per-algorithm keys are derived with HKDF-SHA256.
	MasterKey []byte `yaml:"-"`

	// KeyVersion is written into every ciphertext so rotated keys can still open old data.
	KeyVersion int       `yaml:"key_version"`
	Algorithm  Algorithm `yaml:"algorithm"`

	Logger *slog.Logger `yaml:"-"`
}

type keyEntry struct {
	material []byte
	derived  map[Algorithm][]byte
}

// Engine seals and opens byte payloads. A disabled engine passes data through unchanged.
type Engine struct {
	enabled   bool
	algorithm Algorithm
	logger    *slog.Logger

	mu      sync.RWMutex
	version int
	keys    map[int]*keyEntry
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("encryption: config cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Engine{logger: logger}, nil
	}

	alg, err := ParseAlgorithm(string(cfg.Algorithm))
	if err != nil {
		return nil, err
	}
	if len(cfg.MasterKey) < 16 {
		return nil, fmt.Errorf("%w: master key must be at least 16 bytes", ErrInvalidKey)
	}
	if cfg.KeyVersion < 0 || cfg.KeyVersion > 255 {
		return nil, fmt.Errorf("%w: key version must be 0-255", ErrInvalidKey)
	}

	e := &Engine{
		enabled:   true,
		algorithm: alg,
		logger:    logger,
		version:   cfg.KeyVersion,
		keys:      map[int]*keyEntry{cfg.KeyVersion: newKeyEntry(cfg.MasterKey)},
	}

	logger.Info("encryption engine initialized", "algorithm", alg, "key_version", cfg.KeyVersion)
	return e, nil
}

func newKeyEntry(material []byte) *keyEntry {
	return &keyEntry{material: append([]byte(nil), material...), derived: make(map[Algorithm][]byte)}
}

// deriveKey expands the master key into a 32-byte key bound to the algorithm name.
func deriveKey(material []byte, alg Algorithm) ([]byte, error) {
	r := hkdf.New(sha256.New, material, nil, []byte("automation-engine/"+string(alg)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func (e *Engine) aead(version int, alg Algorithm) (cipher.AEAD, error) {
	entry, ok := e.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	key, ok := entry.derived[alg]
	if !ok {
		var err error
		if key, err = deriveKey(entry.material, alg); err != nil {
			return nil, err
		}
		entry.derived[alg] = key
	}

	switch alg {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// Enabled reports whether sealing is active.
func (e *Engine) Enabled() bool { return e.enabled }

// Algorithm returns the algorithm used for new ciphertexts.
func (e *Engine) Algorithm() Algorithm { return e.algorithm }

// Seal encrypts plaintext, binding associatedData.
// Layout: [key version][algorithm id][nonce][ciphertext+tag].
func (e *Engine) Seal(plaintext, associatedData []byte) ([]byte, error) {
	if !e.enabled {
		return append([]byte(nil), plaintext...), nil
	}

	// Lock, not RLock: aead caches derived keys.
	e.mu.Lock()
	version := e.version
	aead, err := e.aead(version, e.algorithm)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encryption: failed to generate nonce: %w", err)
	}

	out := make([]byte, 2, 2+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = byte(version)
	out[1] = algorithmIDs[e.algorithm]
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, associatedData), nil
}

// Open decrypts a payload produced by Seal with the same associatedData.
func (e *Engine) Open(ciphertext, associatedData []byte) ([]byte, error) {
	if !e.enabled {
		return append([]byte(nil), ciphertext...), nil
	}
	if len(ciphertext) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	version := int(ciphertext[0])
	alg, ok := algorithmByID(ciphertext[1])
	if !ok {
		return nil, fmt.Errorf("%w: algorithm id %d", ErrInvalidCiphertext, ciphertext[1])
	}

	e.mu.Lock()
	aead, err := e.aead(version, alg)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	body := ciphertext[2:]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	nonce, sealed := body[:aead.NonceSize()], body[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		e.logger.Warn("failed to open sealed payload", "key_version", version, "algorithm", alg)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// SealString seals s and returns it base64 encoded.
func (e *Engine) SealString(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := e.Seal([]byte(s), nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// OpenString reverses SealString.
func (e *Engine) OpenString(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidCiphertext, err)
	}
	p, err := e.Open(b, nil)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// RotateKey makes newMaterial the current key. Previous keys stay available to Open.
func (e *Engine) RotateKey(newMaterial []byte, newVersion int) error {
	if !e.enabled {
		return errors.New("encryption: not enabled")
	}
	if len(newMaterial) < 16 {
		return fmt.Errorf("%w: master key must be at least 16 bytes", ErrInvalidKey)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if newVersion <= e.version || newVersion > 255 {
		return fmt.Errorf("encryption: new version %d must be greater than %d and at most 255", newVersion, e.version)
	}
	old := e.version
	e.keys[newVersion] = newKeyEntry(newMaterial)
	e.version = newVersion

	e.logger.Info("encryption key rotated", "old_version", old, "new_version", newVersion, "retained", len(e.keys)-1)
	return nil
}

// Reseal opens ciphertext and seals it again with the current key.
// It reports false when the payload already uses the current key and algorithm.
func (e *Engine) Reseal(ciphertext, associatedData []byte) ([]byte, bool, error) {
	if !e.enabled {
		return ciphertext, false, nil
	}
	if len(ciphertext) < 2 {
		return nil, false, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}

	e.mu.RLock()
	current := int(ciphertext[0]) == e.version && ciphertext[1] == algorithmIDs[e.algorithm]
	e.mu.RUnlock()
	if current {
		return ciphertext, false, nil
	}

	plaintext, err := e.Open(ciphertext, associatedData)
	if err != nil {
		return nil, false, err
	}
	out, err := e.Seal(plaintext, associatedData)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// KeyVersion returns the current key version.
func (e *Engine) KeyVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// RetainedVersions lists key versions other than the current one, ascending.
func (e *Engine) RetainedVersions() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []int
	for v := range e.keys {
		if v != e.version {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// PurgeRetainedKeys drops every key but the current one. Data sealed with a
// dropped key can no longer be opened.
func (e *Engine) PurgeRetainedKeys() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for v := range e.keys {
		if v != e.version {
			delete(e.keys, v)
			n++
		}
	}
	e.logger.Warn("purged retained encryption keys", "removed", n, "current_version", e.version)
	return n
}

// GenerateKey returns 32 random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// DecodeKey accepts a base64 key, falling back to the raw string.
func DecodeKey(s string) []byte {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) >= 16 {
		return b
	}
	return []byte(s)
}
