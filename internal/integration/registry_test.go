package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/retry"
	"automation-engine/internal/signal"
	"automation-engine/internal/storage"
)

type recordingPublisher struct {
	mu      sync.Mutex
	signals []signal.Signal
}

func (p *recordingPublisher) Publish(_ context.Context, s signal.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, s)
	return nil
}

func (p *recordingPublisher) types() []signal.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]signal.Type, len(p.signals))
	for i, s := range p.signals {
		out[i] = s.Type
	}
	return out
}

func crmDefinition() Integration {
	return Integration{
		Name:        "CRM",
		Type:        TypeCRM,
		Credentials: CredentialRef{Handle: "env:crm_token"},
		Endpoints: []Endpoint{
			{Name: "create-ticket", URL: "https://crm.example.com/api/tickets", Method: "post", Auth: Auth{Type: AuthBearer}},
			{Name: "contacts", URL: "https://crm.example.com/api/contacts", Method: "GET"},
		},
		Mappings: []FieldMapping{{SourceField: "incident.title", TargetField: "subject"}},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	reg := NewRegistry(Options{Publisher: pub})
	t.Cleanup(func() { reg.Close(time.Second) })
	return reg, pub
}

func TestCreateActivateScenario(t *testing.T) {
	reg, pub := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateIntegration(ctx, Integration{Name: "Test", Type: TypeCustom})
	if err != nil {
		t.Fatalf("CreateIntegration() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}
	if err := reg.ActivateIntegration(ctx, id); err != nil {
		t.Fatalf("ActivateIntegration() error = %v", err)
	}
	err = reg.ActivateIntegration(ctx, "unknown")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("ActivateIntegration(unknown) error = %v, want NOT_FOUND", err)
	}
	if err := reg.DeactivateIntegration(ctx, "unknown"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("DeactivateIntegration(unknown) error = %v", err)
	}

	got := pub.types()
	want := []signal.Type{signal.IntegrationCreated, signal.IntegrationActivated}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("signals = %v, want %v", got, want)
	}
}

func TestCreateIntegrationValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(*Integration)
	}{
		{"empty name", func(in *Integration) { in.Name = "  " }},
		{"unknown type", func(in *Integration) { in.Type = "MAINFRAME" }},
		{"missing type", func(in *Integration) { in.Type = "" }},
		{"relative url", func(in *Integration) { in.Endpoints[0].URL = "/api/tickets" }},
		{"bad method", func(in *Integration) { in.Endpoints[0].Method = "FETCH" }},
		{"bad endpoint name", func(in *Integration) { in.Endpoints[0].Name = "Create Ticket" }},
		{"duplicate endpoint", func(in *Integration) { in.Endpoints[1].Name = "create-ticket" }},
		{"mapping without target", func(in *Integration) { in.Mappings[0].TargetField = "" }},
		{"unknown transform", func(in *Integration) { in.Mappings[0].Transform = "REVERSE" }},
		{"auth without handle", func(in *Integration) { in.Credentials.Handle = "" }},
		{"bad error handling", func(in *Integration) { in.Settings.ErrorHandling = "IGNORE" }},
		{"bad encryption", func(in *Integration) { in.Settings.Encryption.Algorithm = "DES" }},
		{"bad retry policy", func(in *Integration) {
			in.RetryPolicy = retry.Policy{MaxRetries: 2, BackoffStrategy: "RANDOM"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := crmDefinition()
			tt.modify(&def)
			_, err := reg.CreateIntegration(ctx, def)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("CreateIntegration() error = %v, want VALIDATION_ERROR", err)
			}
		})
	}

	if reg.items.Len() != 0 {
		t.Errorf("invalid definitions were stored: %d", reg.items.Len())
	}
}

func TestCreateIntegrationDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, err := reg.CreateIntegration(context.Background(), crmDefinition())
	if err != nil {
		t.Fatal(err)
	}
	in, err := reg.GetIntegration(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != StatusCreated || in.Version != 1 {
		t.Errorf("status=%s version=%d", in.Status, in.Version)
	}
	if in.Endpoints[0].Method != "POST" {
		t.Errorf("method not normalized: %s", in.Endpoints[0].Method)
	}
	if in.Endpoints[1].Auth.Type != AuthNone {
		t.Errorf("auth default = %s", in.Endpoints[1].Auth.Type)
	}
	if in.Settings.BatchSize != 100 || in.Settings.ErrorHandling != ErrorHandlingRetry {
		t.Errorf("settings defaults = %+v", in.Settings)
	}
	if in.RetryPolicy != retry.DefaultPolicy() {
		t.Errorf("retry policy = %+v", in.RetryPolicy)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	id, _ := reg.CreateIntegration(ctx, crmDefinition())

	in, _ := reg.GetIntegration(ctx, id)
	in.Endpoints[0].URL = "https://evil.example.com"
	in.Name = "changed"

	again, _ := reg.GetIntegration(ctx, id)
	if again.Name != "CRM" || again.Endpoints[0].URL != "https://crm.example.com/api/tickets" {
		t.Error("mutating a returned integration changed the registry")
	}
}

func TestUpdateIntegrationVersioning(t *testing.T) {
	reg, pub := newTestRegistry(t)
	ctx := context.Background()
	id, _ := reg.CreateIntegration(ctx, crmDefinition())

	name := "CRM Production"
	updated, err := reg.UpdateIntegration(ctx, id, Patch{Name: &name, ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("UpdateIntegration() error = %v", err)
	}
	if updated.Version != 2 || updated.Name != name {
		t.Errorf("updated = %s v%d", updated.Name, updated.Version)
	}

	stale := "stale"
	_, err = reg.UpdateIntegration(ctx, id, Patch{Name: &stale, ExpectedVersion: 1})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("stale update error = %v, want CONFLICT", err)
	}

	empty := ""
	_, err = reg.UpdateIntegration(ctx, id, Patch{Name: &empty})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("invalid update error = %v", err)
	}
	if in, _ := reg.GetIntegration(ctx, id); in.Name != name || in.Version != 2 {
		t.Errorf("failed updates changed state: %s v%d", in.Name, in.Version)
	}

	if _, err := reg.UpdateIntegration(ctx, "missing", Patch{Name: &name}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("update unknown error = %v", err)
	}

	types := pub.types()
	if types[len(types)-1] != signal.IntegrationUpdated {
		t.Errorf("last signal = %s", types[len(types)-1])
	}
}

func TestLifecycle(t *testing.T) {
	reg, pub := newTestRegistry(t)
	ctx := context.Background()
	id, _ := reg.CreateIntegration(ctx, crmDefinition())

	if _, err := reg.ResolveEndpoint(ctx, id, "create-ticket"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("resolve before activation error = %v", err)
	}

	if err := reg.ActivateIntegration(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := reg.ActivateIntegration(ctx, id); err != nil {
		t.Fatalf("second activation error = %v", err)
	}
	in, _ := reg.GetIntegration(ctx, id)
	if in.Status != StatusActive || in.ActivatedAt == nil {
		t.Errorf("after activate: %+v", in)
	}

	if err := reg.DeactivateIntegration(ctx, id); err != nil {
		t.Fatal(err)
	}
	if in, _ := reg.GetIntegration(ctx, id); in.Status != StatusInactive {
		t.Errorf("status = %s", in.Status)
	}
	if err := reg.ActivateIntegration(ctx, id); err != nil {
		t.Fatal(err)
	}

	if err := reg.DeleteIntegration(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.GetIntegration(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("get deleted error = %v", err)
	}
	if err := reg.ActivateIntegration(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("activate deleted error = %v", err)
	}
	if err := reg.DeleteIntegration(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("double delete error = %v", err)
	}

	deleted := reg.ListIntegrations(ctx, Filter{IncludeDeleted: true})
	if len(deleted) != 1 || deleted[0].DeletedAt == nil {
		t.Errorf("soft-deleted record missing: %+v", deleted)
	}
	if live := reg.ListIntegrations(ctx, Filter{}); len(live) != 0 {
		t.Errorf("deleted integration listed: %d", len(live))
	}

	want := []signal.Type{
		signal.IntegrationCreated, signal.IntegrationActivated, signal.IntegrationDeactivated,
		signal.IntegrationActivated, signal.IntegrationDeleted,
	}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("signal[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestListIntegrationsFilter(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	crm, _ := reg.CreateIntegration(ctx, crmDefinition())
	_, _ = reg.CreateIntegration(ctx, Integration{Name: "Accounting", Type: TypeERP})
	_ = reg.ActivateIntegration(ctx, crm)

	all := reg.ListIntegrations(ctx, Filter{})
	if len(all) != 2 || all[0].Name != "Accounting" {
		t.Errorf("ListIntegrations() = %v", all)
	}
	if got := reg.ListIntegrations(ctx, Filter{Type: TypeERP}); len(got) != 1 {
		t.Errorf("type filter = %d", len(got))
	}
	if got := reg.ListIntegrations(ctx, Filter{Status: StatusActive}); len(got) != 1 || got[0].ID != crm {
		t.Errorf("status filter = %v", got)
	}
}

func TestResolveEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	def := crmDefinition()
	def.Endpoints[0].Headers = map[string]string{"X-Tenant": "acme"}
	def.Endpoints[0].Timeout = 5 * time.Second
	id, _ := reg.CreateIntegration(ctx, def)
	_ = reg.ActivateIntegration(ctx, id)

	ep, err := reg.ResolveEndpoint(ctx, id, "create-ticket")
	if err != nil {
		t.Fatal(err)
	}
	if ep.Method != "POST" || ep.Timeout != 5*time.Second || ep.CredentialHandle != "env:crm_token" {
		t.Errorf("resolved = %+v", ep)
	}
	if ep.Headers["X-Tenant"] != "acme" || len(ep.Mappings) != 1 {
		t.Errorf("headers/mappings = %v %v", ep.Headers, ep.Mappings)
	}

	first, err := reg.ResolveEndpoint(ctx, id, "")
	if err != nil || first.Name != "create-ticket" {
		t.Errorf("default endpoint = %s, %v", first.Name, err)
	}
	contacts, _ := reg.ResolveEndpoint(ctx, id, "contacts")
	if contacts.Timeout != DefaultEndpointTimeout {
		t.Errorf("default timeout = %s", contacts.Timeout)
	}

	if _, err := reg.ResolveEndpoint(ctx, id, "nope"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown endpoint error = %v", err)
	}
	if _, err := reg.ResolveEndpoint(ctx, "missing", "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown integration error = %v", err)
	}
}

func TestLoadFromRepository(t *testing.T) {
	repo := storage.NewMemoryRepository[Integration]("integrations")
	ctx := context.Background()

	first := NewRegistry(Options{Repository: repo})
	id, _ := first.CreateIntegration(ctx, crmDefinition())
	_ = first.ActivateIntegration(ctx, id)

	second := NewRegistry(Options{Repository: repo})
	n, err := second.Load(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Load() = %d, %v", n, err)
	}
	in, err := second.GetIntegration(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != StatusActive || in.Version != 2 {
		t.Errorf("loaded %s v%d", in.Status, in.Version)
	}
	name := "renamed"
	if _, err := second.UpdateIntegration(ctx, id, Patch{Name: &name, ExpectedVersion: 2}); err != nil {
		t.Errorf("update at loaded version error = %v", err)
	}
}

type failingRepo struct {
	storage.Repository[Integration]
}

func (failingRepo) Save(context.Context, string, Integration) error {
	return storage.ErrConnectionFailed
}

func TestRepositoryFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(Options{Repository: failingRepo{storage.NewMemoryRepository[Integration]("x")}})

	if _, err := reg.CreateIntegration(ctx, crmDefinition()); !errors.Is(err, storage.ErrConnectionFailed) {
		t.Fatalf("CreateIntegration() error = %v", err)
	}
	if reg.items.Len() != 0 {
		t.Error("integration stored despite repository failure")
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	id, _ := reg.CreateIntegration(ctx, crmDefinition())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			desc := "concurrent"
			_, _ = reg.UpdateIntegration(ctx, id, Patch{Description: &desc})
		}()
	}
	wg.Wait()

	in, _ := reg.GetIntegration(ctx, id)
	if in.Version != 21 {
		t.Errorf("version = %d, want 21", in.Version)
	}
}
