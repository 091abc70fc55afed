// Package trigger decides whether an inbound event activates a rule.
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Type is the trigger variant.
type Type string

const (
	TypeEvent     Type = "EVENT"
	TypeSchedule  Type = "SCHEDULE"
	TypeDetection Type = "DETECTION"
)

// EventTypeScheduleTick is the event type emitted by the scheduler. Its
// Source carries the cron spec that fired.
const EventTypeScheduleTick = "schedule.tick"

// EventTypeIntegrationRecord is the event type of records pulled by data
// streams. Its Source carries the integration id.
const EventTypeIntegrationRecord = "integration.record"

// Trigger is a tagged variant: exactly the config matching Type is set.
type Trigger struct {
	Type      Type             `yaml:"type" json:"type" validate:"required,oneof=EVENT SCHEDULE DETECTION"`
	Event     *EventConfig     `yaml:"event,omitempty" json:"event,omitempty"`
	Schedule  *ScheduleConfig  `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Detection *DetectionConfig `yaml:"detection,omitempty" json:"detection,omitempty"`
}

// EventConfig matches events by type, with optional source and keyword filters.
type EventConfig struct {
	EventType string   `yaml:"event_type" json:"eventType"`
	Source    string   `yaml:"source,omitempty" json:"source,omitempty"`
	Keywords  []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// ScheduleConfig fires on a cron schedule.
type ScheduleConfig struct {
	Cron     string `yaml:"cron" json:"cron"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// DetectionConfig matches classified incidents. Each non-empty set constrains
// the match; empty sets match anything.
type DetectionConfig struct {
	SeverityLevels []string `yaml:"severity_levels,omitempty" json:"severityLevels,omitempty"`
	Categories     []string `yaml:"categories,omitempty" json:"categories,omitempty"`
	Keywords       []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// CronParser accepts standard five-field specs, an optional leading seconds
// field, and descriptors such as @hourly.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks that the configured variant matches Type.
func (t Trigger) Validate() error {
	set := 0
	for _, present := range []bool{t.Event != nil, t.Schedule != nil, t.Detection != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("trigger must configure exactly one variant, got %d", set)
	}

	switch t.Type {
	case TypeEvent:
		if t.Event == nil {
			return fmt.Errorf("event trigger requires event config")
		}
		if strings.TrimSpace(t.Event.EventType) == "" {
			return fmt.Errorf("event trigger requires an event type")
		}
	case TypeSchedule:
		if t.Schedule == nil {
			return fmt.Errorf("schedule trigger requires schedule config")
		}
		if _, err := CronParser.Parse(t.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid cron spec %q: %w", t.Schedule.Cron, err)
		}
		if t.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(t.Schedule.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", t.Schedule.Timezone, err)
			}
		}
	case TypeDetection:
		if t.Detection == nil {
			return fmt.Errorf("detection trigger requires detection config")
		}
	default:
		return fmt.Errorf("unknown trigger type: %q", t.Type)
	}
	return nil
}

// ScheduleSpec returns the spec the scheduler registers for this trigger. The
// timezone is folded in with the CRON_TZ prefix.
func (t Trigger) ScheduleSpec() string {
	if t.Type != TypeSchedule || t.Schedule == nil {
		return ""
	}
	if t.Schedule.Timezone != "" {
		return "CRON_TZ=" + t.Schedule.Timezone + " " + t.Schedule.Cron
	}
	return t.Schedule.Cron
}

// Clone returns a deep copy.
func (t Trigger) Clone() Trigger {
	out := Trigger{Type: t.Type}
	if t.Event != nil {
		e := *t.Event
		e.Keywords = append([]string(nil), t.Event.Keywords...)
		out.Event = &e
	}
	if t.Schedule != nil {
		s := *t.Schedule
		out.Schedule = &s
	}
	if t.Detection != nil {
		d := *t.Detection
		d.SeverityLevels = append([]string(nil), t.Detection.SeverityLevels...)
		d.Categories = append([]string(nil), t.Detection.Categories...)
		d.Keywords = append([]string(nil), t.Detection.Keywords...)
		out.Detection = &d
	}
	return out
}
