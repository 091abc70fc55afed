// Package integration owns the definitions of external-system connections:
// their endpoints, field mappings and lifecycle, plus the data streams that
// continuously pull records from them.
package integration

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/retry"
	"automation-engine/internal/validation"
)

// Type is the kind of external system.
type Type string

const (
	TypeERP        Type = "ERP"
	TypeLegal      Type = "LEGAL"
	TypeCustom     Type = "CUSTOM"
	TypeCRM        Type = "CRM"
	TypeHRIS       Type = "HRIS"
	TypeFinance    Type = "FINANCE"
	TypeTicketing  Type = "TICKETING"
	TypeMonitoring Type = "MONITORING"
)

// Status is the lifecycle state of an integration.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusDeleted  Status = "DELETED"
)

// AuthType selects how a resolved credential is attached to requests.
type AuthType string

const (
	AuthNone   AuthType = "NONE"
	AuthBearer AuthType = "BEARER"
	AuthBasic  AuthType = "BASIC"
	AuthAPIKey AuthType = "API_KEY"
)

// ErrorHandling selects what a data stream does when a fetch fails.
type ErrorHandling string

const (
	ErrorHandlingRetry ErrorHandling = "RETRY"
	ErrorHandlingSkip  ErrorHandling = "SKIP"
)

// CredentialRef points at a secret held by the credentials collaborator.
type CredentialRef struct {
	Handle   string `yaml:"handle" json:"handle"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// Auth describes request authentication. Header is only used by API_KEY and
// defaults to X-API-Key.
type Auth struct {
	Type   AuthType `yaml:"type" json:"type" validate:"omitempty,oneof=NONE BEARER BASIC API_KEY"`
	Header string   `yaml:"header,omitempty" json:"header,omitempty"`
}

// Endpoint is one callable operation of an integration.
type Endpoint struct {
	Name    string            `yaml:"name" json:"name" validate:"required,ident"`
	URL     string            `yaml:"url" json:"url" validate:"required,http_url"`
	Method  string            `yaml:"method" json:"method" validate:"required,http_method"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Auth    Auth              `yaml:"auth" json:"auth"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// FieldMapping copies a value from the trigger context into an outbound
// payload, optionally transforming it.
type FieldMapping struct {
	SourceField string `yaml:"source_field" json:"sourceField" validate:"required"`
	TargetField string `yaml:"target_field" json:"targetField" validate:"required"`
	Transform   string `yaml:"transform,omitempty" json:"transform,omitempty" validate:"omitempty,oneof=UPPER LOWER STRING TRIM"`
}

// EncryptionSettings controls sealing of data synced from the integration.
type EncryptionSettings struct {
	Enabled                 bool   `yaml:"enabled" json:"enabled"`
	Algorithm               string `yaml:"algorithm,omitempty" json:"algorithm,omitempty" validate:"omitempty,oneof=AES-256-GCM XCHACHA20-POLY1305"`
	KeyRotationIntervalDays int    `yaml:"key_rotation_interval_days,omitempty" json:"keyRotationIntervalDays,omitempty" validate:"gte=0"`
}

// Settings tunes data stream behavior.
type Settings struct {
	SyncInterval      time.Duration      `yaml:"sync_interval" json:"syncInterval" validate:"gte=0"`
	BatchSize         int                `yaml:"batch_size" json:"batchSize" validate:"gte=0,lte=10000"`
	EnableRealtime    bool               `yaml:"enable_realtime" json:"enableRealtime"`
	ErrorHandling     ErrorHandling      `yaml:"error_handling" json:"errorHandling" validate:"omitempty,oneof=RETRY SKIP"`
	DataRetentionDays int                `yaml:"data_retention_days" json:"dataRetentionDays" validate:"gte=0"`
	Encryption        EncryptionSettings `yaml:"encryption" json:"encryption"`
}

// DefaultSettings returns the settings applied to zero-valued fields.
func DefaultSettings() Settings {
	return Settings{
		SyncInterval:      5 * time.Minute,
		BatchSize:         100,
		ErrorHandling:     ErrorHandlingRetry,
		DataRetentionDays: 90,
	}
}

// Integration is a configured connection to an external system.
type Integration struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name" validate:"required"`
	Type        Type           `yaml:"type" json:"type" validate:"required,oneof=ERP LEGAL CUSTOM CRM HRIS FINANCE TICKETING MONITORING"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Credentials CredentialRef  `yaml:"credentials" json:"credentials"`
	Endpoints   []Endpoint     `yaml:"endpoints" json:"endpoints" validate:"dive"`
	Mappings    []FieldMapping `yaml:"mappings" json:"mappings" validate:"dive"`
	Settings    Settings       `yaml:"settings" json:"settings"`
	RetryPolicy retry.Policy   `yaml:"retry_policy" json:"retryPolicy"`

	Status      Status     `yaml:"status" json:"status"`
	Version     int64      `yaml:"version" json:"version"`
	CreatedAt   time.Time  `yaml:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `yaml:"updated_at" json:"updatedAt"`
	ActivatedAt *time.Time `yaml:"activated_at,omitempty" json:"activatedAt,omitempty"`
	DeletedAt   *time.Time `yaml:"deleted_at,omitempty" json:"deletedAt,omitempty"`
}

// Validate checks the definition shape. Lifecycle fields are not inspected.
func (in *Integration) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if err := validation.Struct(in); err != nil {
		return err
	}

	seen := make(map[string]bool, len(in.Endpoints))
	for _, ep := range in.Endpoints {
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = true
		if ep.Auth.Type != "" && ep.Auth.Type != AuthNone && in.Credentials.Handle == "" {
			return fmt.Errorf("endpoint %q uses %s auth but the integration has no credential handle", ep.Name, ep.Auth.Type)
		}
	}

	if err := in.RetryPolicy.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued settings and the retry policy.
func (in *Integration) applyDefaults() {
	def := DefaultSettings()
	if in.Settings.SyncInterval == 0 {
		in.Settings.SyncInterval = def.SyncInterval
	}
	if in.Settings.BatchSize == 0 {
		in.Settings.BatchSize = def.BatchSize
	}
	if in.Settings.ErrorHandling == "" {
		in.Settings.ErrorHandling = def.ErrorHandling
	}
	if in.Settings.DataRetentionDays == 0 {
		in.Settings.DataRetentionDays = def.DataRetentionDays
	}
	if in.RetryPolicy == (retry.Policy{}) {
		in.RetryPolicy = retry.DefaultPolicy()
	}
	for i := range in.Endpoints {
		in.Endpoints[i].Method = strings.ToUpper(in.Endpoints[i].Method)
		if in.Endpoints[i].Auth.Type == "" {
			in.Endpoints[i].Auth.Type = AuthNone
		}
	}
}

// Endpoint returns the endpoint called name.
func (in *Integration) Endpoint(name string) (Endpoint, bool) {
	for _, ep := range in.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Clone returns a deep copy.
func (in Integration) Clone() Integration {
	out := in
	out.Endpoints = make([]Endpoint, len(in.Endpoints))
	for i, ep := range in.Endpoints {
		ep.Headers = maps.Clone(ep.Headers)
		out.Endpoints[i] = ep
	}
	out.Mappings = slices.Clone(in.Mappings)
	if in.ActivatedAt != nil {
		t := *in.ActivatedAt
		out.ActivatedAt = &t
	}
	if in.DeletedAt != nil {
		t := *in.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name            *string
	Description     *string
	Credentials     *CredentialRef
	Endpoints       []Endpoint
	Mappings        []FieldMapping
	Settings        *Settings
	RetryPolicy     *retry.Policy
	ExpectedVersion int64
}

func (p Patch) apply(in *Integration) {
	if p.Name != nil {
		in.Name = *p.Name
	}
	if p.Description != nil {
		in.Description = *p.Description
	}
	if p.Credentials != nil {
		in.Credentials = *p.Credentials
	}
	if p.Endpoints != nil {
		in.Endpoints = p.Endpoints
	}
	if p.Mappings != nil {
		in.Mappings = p.Mappings
	}
	if p.Settings != nil {
		in.Settings = *p.Settings
	}
	if p.RetryPolicy != nil {
		in.RetryPolicy = *p.RetryPolicy
	}
}

// Filter narrows ListIntegrations. Zero fields match everything.
type Filter struct {
	Type           Type
	Status         Status
	IncludeDeleted bool
}

func (f Filter) match(in Integration) bool {
	if in.Status == StatusDeleted && !f.IncludeDeleted && f.Status != StatusDeleted {
		return false
	}
	if f.Type != "" && in.Type != f.Type {
		return false
	}
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	return true
}

func validationError(op string, err error) error {
	return apperrors.WrapValidation(op, err)
}
