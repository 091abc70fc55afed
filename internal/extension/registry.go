package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"automation-engine/internal/catalog"
	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/signal"
	"automation-engine/internal/storage"
)

// Options wires a Registry to its collaborators. Every field is optional.
type Options struct {
	Extensions    storage.Repository[Extension]
	Installations storage.Repository[Installation]
	Publisher     signal.Publisher
	Logger        *slog.Logger
}

// Registry publishes extensions and tracks installations per organization.
type Registry struct {
	extensions *catalog.Catalog[Extension]
	extRepo    storage.Repository[Extension]
	instRepo   storage.Repository[Installation]
	signals    signal.Publisher
	logger     *slog.Logger
	now        func() time.Time

	// installMu serializes install and uninstall so that an organization has
	// at most one active installation per extension.
	installMu sync.Mutex
	installs  map[string]Installation
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	extRepo := opts.Extensions
	if extRepo == nil {
		extRepo = storage.NewMemoryRepository[Extension]("extensions")
	}
	instRepo := opts.Installations
	if instRepo == nil {
		instRepo = storage.NewMemoryRepository[Installation]("installations")
	}
	return &Registry{
		extensions: catalog.New(Extension.Clone),
		extRepo:    extRepo,
		instRepo:   instRepo,
		signals:    signal.OrDiscard(opts.Publisher),
		logger:     logger.With("component", "extension_registry"),
		now:        time.Now,
		installs:   make(map[string]Installation),
	}
}

// Load restores extensions and installations from the repositories.
func (r *Registry) Load(ctx context.Context) error {
	exts, err := r.extRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading extensions: %w", err)
	}
	for _, e := range exts {
		if err := r.extensions.Insert(e.ID, e); err != nil && !errors.Is(err, catalog.ErrExists) {
			return err
		}
	}

	insts, err := r.instRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading installations: %w", err)
	}
	r.installMu.Lock()
	for _, in := range insts {
		r.installs[in.ID] = in
	}
	r.installMu.Unlock()

	r.logger.Info("extensions loaded", "extensions", len(exts), "installations", len(insts))
	return nil
}

// PublishExtension validates ext and adds it to the catalog. An empty
// manifest endpoint list is always a VALIDATION_ERROR.
func (r *Registry) PublishExtension(ctx context.Context, ext Extension) (string, error) {
	const op = "extension.PublishExtension"

	e := ext.Clone()
	e.Name = strings.TrimSpace(e.Name)
	if err := e.Validate(); err != nil {
		return "", apperrors.WrapValidation(op, err)
	}
	if e.Pricing.Model == "" {
		e.Pricing.Model = PricingFree
	}
	e.ID = uuid.NewString()
	e.Installs = 0
	e.PublishedAt = r.now()

	if err := r.extRepo.Save(ctx, e.ID, e); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := r.extensions.Insert(e.ID, e); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	r.logger.Info("extension published", "extension_id", e.ID, "name", e.Name, "version", e.Version)
	r.emit(ctx, signal.ExtensionPublished, e.ID, e)
	return e.ID, nil
}

// GetExtension returns a copy of a published extension.
func (r *Registry) GetExtension(_ context.Context, id string) (Extension, error) {
	e, _, err := r.extensions.Get(id)
	if err != nil {
		return Extension{}, apperrors.NotFound("extension.GetExtension", "extension", id)
	}
	return e, nil
}

// ListExtensions returns published extensions sorted by name. query, when
// set, matches name or description case-insensitively.
func (r *Registry) ListExtensions(_ context.Context, query string) []Extension {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Extension
	for _, e := range r.extensions.Snapshot() {
		if q == "" ||
			strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Description), q) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InstallExtension grants orgID the extension's declared permissions. If the
// organization already has an active installation it is returned unchanged.
func (r *Registry) InstallExtension(ctx context.Context, extensionID, orgID string) (Installation, error) {
	const op = "extension.InstallExtension"

	if strings.TrimSpace(orgID) == "" {
		return Installation{}, apperrors.Validation(op, "organization id is required")
	}
	ext, _, err := r.extensions.Get(extensionID)
	if err != nil {
		return Installation{}, apperrors.NotFound(op, "extension", extensionID)
	}

	r.installMu.Lock()
	defer r.installMu.Unlock()

	if existing, ok := r.activeInstall(extensionID, orgID); ok {
		return existing.Clone(), nil
	}

	in := Installation{
		ID:               uuid.NewString(),
		ExtensionID:      ext.ID,
		ExtensionVersion: ext.Version,
		OrganizationID:   orgID,
		Permissions:      clonePermissions(ext.Permissions),
		Status:           StatusInstalled,
		InstalledAt:      r.now(),
	}
	if err := r.instRepo.Save(ctx, in.ID, in); err != nil {
		return Installation{}, fmt.Errorf("%s: %w", op, err)
	}
	r.installs[in.ID] = in
	r.adjustInstalls(ctx, extensionID, 1)

	r.logger.Info("extension installed",
		"extension_id", extensionID,
		"organization_id", orgID,
		"installation_id", in.ID,
		"permissions", len(in.Permissions),
	)
	r.emit(ctx, signal.ExtensionInstalled, in.ID, in.Clone())
	return in.Clone(), nil
}

// UninstallExtension revokes the organization's active installation.
func (r *Registry) UninstallExtension(ctx context.Context, extensionID, orgID string) error {
	const op = "extension.UninstallExtension"

	r.installMu.Lock()
	defer r.installMu.Unlock()

	in, ok := r.activeInstall(extensionID, orgID)
	if !ok {
		return apperrors.NotFound(op, "installation", extensionID+"/"+orgID)
	}

	now := r.now()
	in.Status = StatusUninstalled
	in.UninstalledAt = &now
	if err := r.instRepo.Save(ctx, in.ID, in); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	r.installs[in.ID] = in
	r.adjustInstalls(ctx, extensionID, -1)

	r.logger.Info("extension uninstalled", "extension_id", extensionID, "organization_id", orgID)
	r.emit(ctx, signal.ExtensionUninstalled, in.ID, in.Clone())
	return nil
}

// ListInstallations returns the organization's active installations, oldest
// first. An empty orgID lists every active installation.
func (r *Registry) ListInstallations(_ context.Context, orgID string) []Installation {
	r.installMu.Lock()
	var out []Installation
	for _, in := range r.installs {
		if in.Status == StatusInstalled && (orgID == "" || in.OrganizationID == orgID) {
			out = append(out, in.Clone())
		}
	}
	r.installMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].InstalledAt.Equal(out[j].InstalledAt) {
			return out[i].InstalledAt.Before(out[j].InstalledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// activeInstall must be called with installMu held.
func (r *Registry) activeInstall(extensionID, orgID string) (Installation, bool) {
	for _, in := range r.installs {
		if in.Status == StatusInstalled && in.ExtensionID == extensionID && in.OrganizationID == orgID {
			return in, true
		}
	}
	return Installation{}, false
}

func (r *Registry) adjustInstalls(ctx context.Context, extensionID string, delta int) {
	_, err := r.extensions.Update(extensionID, 0, func(e *Extension, _ int64) error {
		e.Installs += delta
		if e.Installs < 0 {
			e.Installs = 0
		}
		return r.extRepo.Save(ctx, e.ID, *e)
	})
	if err != nil {
		r.logger.Warn("failed to update install count", "extension_id", extensionID, "error", err)
	}
}

func (r *Registry) emit(ctx context.Context, t signal.Type, subject string, payload any) {
	if err := r.signals.Publish(ctx, signal.New(t, subject, payload)); err != nil {
		r.logger.Warn("failed to publish signal", "type", t, "subject", subject, "error", err)
	}
}
