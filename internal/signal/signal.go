// Package signal carries observable lifecycle signals from the registries and
// the rule engine to any interested subscriber.
package signal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle signal.
type Type string

const (
	IntegrationCreated     Type = "integration.created"
	IntegrationActivated   Type = "integration.activated"
	IntegrationDeactivated Type = "integration.deactivated"
	IntegrationDeleted     Type = "integration.deleted"
	IntegrationUpdated     Type = "integration.updated"
	DataStreamStarted      Type = "datastream.started"
	DataStreamStopped      Type = "datastream.stopped"
	RuleCreated            Type = "rule.created"
	RuleUpdated            Type = "rule.updated"
	RuleDeleted            Type = "rule.deleted"
	WorkflowExecuted       Type = "workflow.executed"
	ExtensionPublished     Type = "extension.published"
	ExtensionInstalled     Type = "extension.installed"
	ExtensionUninstalled   Type = "extension.uninstalled"
)

// Signal is a single observable occurrence. Subject is the id of the entity
// the signal is about; Payload is a snapshot owned by the signal.
type Signal struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// New builds a signal stamped with a fresh id and the current time.
func New(t Type, subject string, payload any) Signal {
	return Signal{
		ID:        uuid.New(),
		Type:      t,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher accepts signals for asynchronous delivery.
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
}

// Subscriber receives signals from a Bus.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, sig Signal) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, sig Signal) error
}

func (f SubscriberFunc) Name() string { return f.ID }

func (f SubscriberFunc) Handle(ctx context.Context, sig Signal) error { return f.Fn(ctx, sig) }

// Discard drops every signal.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Signal) error { return nil }

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}
