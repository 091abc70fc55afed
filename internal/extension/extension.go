// Package extension is the catalog of installable extensions and the record of
// which organizations have installed them.
package extension

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"automation-engine/internal/validation"
)

// PricingModel describes how an extension is billed. It is informational.
type PricingModel string

const (
	PricingFree         PricingModel = "FREE"
	PricingOneTime      PricingModel = "ONE_TIME"
	PricingSubscription PricingModel = "SUBSCRIPTION"
	PricingUsage        PricingModel = "USAGE"
)

// ManifestEndpoint is an endpoint an extension exposes.
type ManifestEndpoint struct {
	Name   string `yaml:"name" json:"name" validate:"required,ident"`
	Path   string `yaml:"path" json:"path" validate:"required,startswith=/"`
	Method string `yaml:"method" json:"method" validate:"required,http_method"`
}

// ManifestWebhook is an event the extension wants delivered.
type ManifestWebhook struct {
	Event string `yaml:"event" json:"event" validate:"required"`
	URL   string `yaml:"url" json:"url" validate:"required,http_url"`
}

// Manifest declares what an extension provides. At least one endpoint is required.
type Manifest struct {
	Endpoints    []ManifestEndpoint `yaml:"endpoints" json:"endpoints" validate:"dive"`
	Webhooks     []ManifestWebhook  `yaml:"webhooks,omitempty" json:"webhooks,omitempty" validate:"dive"`
	Schemas      map[string]any     `yaml:"schemas,omitempty" json:"schemas,omitempty"`
	Dependencies map[string]string  `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// Permission grants actions on a resource.
type Permission struct {
	Resource string   `yaml:"resource" json:"resource" validate:"required"`
	Actions  []string `yaml:"actions" json:"actions" validate:"required,min=1,dive,required"`
}

// Pricing is descriptive metadata.
type Pricing struct {
	Model    PricingModel `yaml:"model" json:"model" validate:"omitempty,oneof=FREE ONE_TIME SUBSCRIPTION USAGE"`
	Amount   float64      `yaml:"amount,omitempty" json:"amount,omitempty" validate:"gte=0"`
	Currency string       `yaml:"currency,omitempty" json:"currency,omitempty" validate:"omitempty,len=3"`
}

// Extension is a published, installable capability package.
type Extension struct {
	ID          string       `json:"id"`
	Name        string       `json:"name" validate:"required,max=200"`
	Description string       `json:"description,omitempty"`
	Version     string       `json:"version" validate:"required"`
	Publisher   string       `json:"publisher,omitempty"`
	Manifest    Manifest     `json:"manifest"`
	Permissions []Permission `json:"permissions,omitempty" validate:"dive"`
	Pricing     Pricing      `json:"pricing"`
	Installs    int          `json:"installs"`
	PublishedAt time.Time    `json:"publishedAt"`
}

// Validate checks the extension definition.
func (e Extension) Validate() error {
	if len(e.Manifest.Endpoints) == 0 {
		return fmt.Errorf("manifest must declare at least one endpoint")
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if err := validation.Struct(e); err != nil {
		return err
	}
	names := make(map[string]bool, len(e.Manifest.Endpoints))
	for _, ep := range e.Manifest.Endpoints {
		if names[ep.Name] {
			return fmt.Errorf("duplicate manifest endpoint %q", ep.Name)
		}
		names[ep.Name] = true
	}
	return nil
}

// Clone returns a deep copy of e.
func (e Extension) Clone() Extension {
	out := e
	out.Manifest.Endpoints = slices.Clone(e.Manifest.Endpoints)
	out.Manifest.Webhooks = slices.Clone(e.Manifest.Webhooks)
	out.Manifest.Schemas = maps.Clone(e.Manifest.Schemas)
	out.Manifest.Dependencies = maps.Clone(e.Manifest.Dependencies)
	out.Permissions = clonePermissions(e.Permissions)
	return out
}

func clonePermissions(ps []Permission) []Permission {
	if ps == nil {
		return nil
	}
	out := make([]Permission, len(ps))
	for i, p := range ps {
		out[i] = Permission{Resource: p.Resource, Actions: slices.Clone(p.Actions)}
	}
	return out
}

// InstallStatus is the state of an installation.
type InstallStatus string

const (
	StatusInstalled   InstallStatus = "INSTALLED"
	StatusUninstalled InstallStatus = "UNINSTALLED"
)

// Installation grants an organization the permissions an extension declared
// at install time.
type Installation struct {
	ID               string        `json:"id"`
	ExtensionID      string        `json:"extensionId"`
	ExtensionVersion string        `json:"extensionVersion"`
	OrganizationID   string        `json:"organizationId"`
	Permissions      []Permission  `json:"permissions"`
	Status           InstallStatus `json:"status"`
	InstalledAt      time.Time     `json:"installedAt"`
	UninstalledAt    *time.Time    `json:"uninstalledAt,omitempty"`
}

// Clone returns a deep copy of in.
func (in Installation) Clone() Installation {
	out := in
	out.Permissions = clonePermissions(in.Permissions)
	if in.UninstalledAt != nil {
		t := *in.UninstalledAt
		out.UninstalledAt = &t
	}
	return out
}
