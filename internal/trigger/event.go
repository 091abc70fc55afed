package trigger

import (
	"maps"
	"strings"
	"time"
)

// Event is an inbound occurrence routed through the rule engine.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Source         string          `json:"source,omitempty"`
	Text           string          `json:"text,omitempty"`
	Data           map[string]any  `json:"data,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// Classification is the result handed back by the incident classifier.
type Classification struct {
	Category             string   `json:"category"`
	SeverityLevel        string   `json:"severityLevel"`
	ConfidenceScore      float64  `json:"confidenceScore"`
	Keywords             []string `json:"keywords,omitempty"`
	RequiresManualReview bool     `json:"requiresManualReview"`
}

// ContextKeyEvent holds event metadata inside a trigger context.
const ContextKeyEvent = "event"

// Context builds the trigger context for rule evaluation: the event data at
// the top level plus event metadata under "event".
func (e Event) Context() map[string]any {
	ctx := make(map[string]any, len(e.Data)+1)
	maps.Copy(ctx, e.Data)

	meta := map[string]any{
		"id":     e.ID,
		"type":   e.Type,
		"source": e.Source,
		"text":   e.Text,
	}
	if e.Classification != nil {
		meta["classification"] = map[string]any{
			"category":             e.Classification.Category,
			"severityLevel":        e.Classification.SeverityLevel,
			"confidenceScore":      e.Classification.ConfidenceScore,
			"keywords":             append([]string(nil), e.Classification.Keywords...),
			"requiresManualReview": e.Classification.RequiresManualReview,
		}
	}
	if _, taken := ctx[ContextKeyEvent]; !taken {
		ctx[ContextKeyEvent] = meta
	}
	return ctx
}

// Matches reports whether ev activates t.
func Matches(t Trigger, ev Event) bool {
	switch t.Type {
	case TypeEvent:
		return matchEvent(t.Event, ev)
	case TypeSchedule:
		return t.Schedule != nil &&
			ev.Type == EventTypeScheduleTick &&
			ev.Source == t.ScheduleSpec()
	case TypeDetection:
		return matchDetection(t.Detection, ev)
	}
	return false
}

func matchEvent(cfg *EventConfig, ev Event) bool {
	if cfg == nil || cfg.EventType != ev.Type {
		return false
	}
	if cfg.Source != "" && cfg.Source != ev.Source {
		return false
	}
	if len(cfg.Keywords) > 0 && !containsAnyKeyword(ev.Text, cfg.Keywords) {
		return false
	}
	return true
}

func matchDetection(cfg *DetectionConfig, ev Event) bool {
	if cfg == nil || ev.Classification == nil {
		return false
	}
	c := ev.Classification

	if len(cfg.SeverityLevels) > 0 && !containsFold(cfg.SeverityLevels, c.SeverityLevel) {
		return false
	}
	if len(cfg.Categories) > 0 && !containsFold(cfg.Categories, c.Category) {
		return false
	}
	if len(cfg.Keywords) > 0 {
		if containsAnyKeyword(ev.Text, cfg.Keywords) {
			return true
		}
		for _, kw := range c.Keywords {
			if containsFold(cfg.Keywords, kw) {
				return true
			}
		}
		return false
	}
	return true
}

func containsAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
