package config

import (
	"fmt"
	"log/slog"
	"os"

	"automation-engine/internal/encryption"
)

// NewEncryptionEngine builds the at-rest sealing engine. A disabled config
// yields a pass-through engine; an enabled one requires the key variable.
func NewEncryptionEngine(cfg *Config, logger *slog.Logger) (*encryption.Engine, error) {
	ec := cfg.Encryption
	if !ec.Enabled {
		return encryption.NewEngine(&encryption.Config{Logger: logger})
	}

	name := ec.KeyEnv
	if name == "" {
		name = "AUTOMATION_ENCRYPTION_KEY"
	}
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("encryption enabled but %s is not set", name)
	}

	return encryption.NewEngine(&encryption.Config{
		Enabled:    true,
		MasterKey:  encryption.DecodeKey(raw),
		KeyVersion: ec.KeyVersion,
		Algorithm:  encryption.Algorithm(ec.Algorithm),
		Logger:     logger,
	})
}
