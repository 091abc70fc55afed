// Package workflow stores automation rules and runs them against trigger
// contexts, routing inbound events to every rule whose trigger matches.
package workflow

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"automation-engine/internal/action"
	"automation-engine/internal/condition"
	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/retry"
	"automation-engine/internal/trigger"
	"automation-engine/internal/validation"
)

// ErrorPolicy decides what happens to the remaining actions after one fails.
type ErrorPolicy string

const (
	// ContinueOnError runs every action and records each result.
	ContinueOnError ErrorPolicy = "CONTINUE"
	// StopOnError halts the execution at the first failed action.
	StopOnError ErrorPolicy = "STOP"
)

// Rule is a trigger, a flat condition chain and an ordered list of actions.
type Rule struct {
	ID          string                `yaml:"id,omitempty" json:"id"`
	Name        string                `yaml:"name" json:"name" validate:"required,max=200"`
	Description string                `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     trigger.Trigger       `yaml:"trigger" json:"trigger"`
	Conditions  []condition.Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions     []action.Action       `yaml:"actions" json:"actions" validate:"required,min=1"`
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Priority    int                   `yaml:"priority" json:"priority" validate:"gte=0"`
	RetryPolicy *retry.Policy         `yaml:"retry_policy,omitempty" json:"retryPolicy,omitempty"`
	ErrorPolicy ErrorPolicy           `yaml:"error_policy,omitempty" json:"errorPolicy,omitempty" validate:"omitempty,oneof=CONTINUE STOP"`
	Tags        []string              `yaml:"tags,omitempty" json:"tags,omitempty"`

	Version   int64     `yaml:"-" json:"version"`
	CreatedAt time.Time `yaml:"-" json:"createdAt"`
	UpdatedAt time.Time `yaml:"-" json:"updatedAt"`
}

// Validate checks the rule definition: a name, a well-formed trigger and
// conditions, and at least one action with unique orders.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	if err := validation.Struct(r); err != nil {
		return err
	}
	if err := r.Trigger.Validate(); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	if err := condition.Validate(r.Conditions); err != nil {
		return err
	}

	orders := make(map[int]bool, len(r.Actions))
	for _, a := range r.Actions {
		if orders[a.Order] {
			return fmt.Errorf("duplicate action order %d", a.Order)
		}
		orders[a.Order] = true
		if err := a.Validate(); err != nil {
			return err
		}
	}

	if r.RetryPolicy != nil {
		if err := r.RetryPolicy.Validate(); err != nil {
			return fmt.Errorf("retry policy: %w", err)
		}
	}
	return nil
}

// applyDefaults normalizes a rule before validation and storage.
func (r *Rule) applyDefaults() {
	r.Name = strings.TrimSpace(r.Name)
	if r.ErrorPolicy == "" {
		r.ErrorPolicy = ContinueOnError
	}
	sort.SliceStable(r.Actions, func(i, j int) bool { return r.Actions[i].Order < r.Actions[j].Order })
}

// Clone returns a deep copy of r.
func (r Rule) Clone() Rule {
	out := r
	out.Trigger = r.Trigger.Clone()
	out.Conditions = slices.Clone(r.Conditions)
	if r.Actions != nil {
		out.Actions = make([]action.Action, len(r.Actions))
		for i, a := range r.Actions {
			out.Actions[i] = a.Clone()
		}
	}
	if r.RetryPolicy != nil {
		p := *r.RetryPolicy
		out.RetryPolicy = &p
	}
	out.Tags = slices.Clone(r.Tags)
	return out
}

// HasTag reports whether the rule carries tag, ignoring case.
func (r Rule) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Patch is a partial rule update. Nil fields are left unchanged.
type Patch struct {
	Name        *string
	Description *string
	Trigger     *trigger.Trigger
	Conditions  *[]condition.Condition
	Actions     *[]action.Action
	Enabled     *bool
	Priority    *int
	RetryPolicy *retry.Policy
	ErrorPolicy *ErrorPolicy
	Tags        *[]string

	// ExpectedVersion, when non-zero, must match the stored version.
	ExpectedVersion int64
}

func (p Patch) apply(r *Rule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Trigger != nil {
		r.Trigger = p.Trigger.Clone()
	}
	if p.Conditions != nil {
		r.Conditions = slices.Clone(*p.Conditions)
	}
	if p.Actions != nil {
		r.Actions = make([]action.Action, len(*p.Actions))
		for i, a := range *p.Actions {
			r.Actions[i] = a.Clone()
		}
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.RetryPolicy != nil {
		pol := *p.RetryPolicy
		r.RetryPolicy = &pol
	}
	if p.ErrorPolicy != nil {
		r.ErrorPolicy = *p.ErrorPolicy
	}
	if p.Tags != nil {
		r.Tags = slices.Clone(*p.Tags)
	}
}

// Filter narrows ListRules. Zero values match everything.
type Filter struct {
	Enabled      *bool
	TriggerType  trigger.Type
	Tag          string
	NameContains string
}

func (f Filter) match(r Rule) bool {
	if f.Enabled != nil && r.Enabled != *f.Enabled {
		return false
	}
	if f.TriggerType != "" && r.Trigger.Type != f.TriggerType {
		return false
	}
	if f.Tag != "" && !r.HasTag(f.Tag) {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	return true
}

// sortRules orders by priority ascending, then name, then id.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

func validationError(op string, err error) error {
	return apperrors.WrapValidation(op, err)
}
