// Package metrics keeps running counters over workflow executions and
// integration traffic, and exports them to Prometheus.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"automation-engine/internal/action"
	"automation-engine/internal/workflow"
)

// Config tunes the aggregator.
type Config struct {
	// TopN is the length of the most-triggered list.
	TopN int `yaml:"top_n" validate:"gte=1"`
	// RecentWindow is how many recent executions per rule the optimizer looks at.
	RecentWindow int `yaml:"recent_window" validate:"gte=1"`
	// SkipRatioThreshold flags rules skipped more often than this.
	SkipRatioThreshold float64 `yaml:"skip_ratio_threshold" validate:"gt=0,lte=1"`
	// MinSamples is the smallest window the optimizer will judge.
	MinSamples int `yaml:"min_samples" validate:"gte=1"`
	// Namespace prefixes exported Prometheus metrics.
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default aggregator settings.
func DefaultConfig() Config {
	return Config{
		TopN:               10,
		RecentWindow:       100,
		SkipRatioThreshold: 0.8,
		MinSamples:         20,
		Namespace:          "automation",
	}
}

// RuleStats are the counters for one rule.
type RuleStats struct {
	RuleID          string    `json:"ruleId"`
	RuleName        string    `json:"ruleName"`
	Executions      int64     `json:"executions"`
	Completed       int64     `json:"completed"`
	PartialFailures int64     `json:"partialFailures"`
	Failed          int64     `json:"failed"`
	Skipped         int64     `json:"skipped"`
	AvgExecutionMs  float64   `json:"avgExecutionMs"`
	LastExecutedAt  time.Time `json:"lastExecutedAt"`
}

// WorkflowMetrics is the aggregate view over all executions.
type WorkflowMetrics struct {
	TotalExecutions int64       `json:"totalExecutions"`
	Completed       int64       `json:"completed"`
	PartialFailures int64       `json:"partialFailures"`
	Failed          int64       `json:"failed"`
	Skipped         int64       `json:"skipped"`
	AvgExecutionMs  float64     `json:"avgExecutionMs"`
	SuccessRate     float64     `json:"successRate"`
	MostTriggered   []RuleStats `json:"mostTriggered"`
	Rules           []RuleStats `json:"rules"`
}

// IntegrationStats are the counters for one integration.
type IntegrationStats struct {
	IntegrationID  string    `json:"integrationId"`
	Calls          int64     `json:"calls"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	AvgLatencyMs   float64   `json:"avgLatencyMs"`
	Syncs          int64     `json:"syncs"`
	FailedSyncs    int64     `json:"failedSyncs"`
	RecordsSynced  int64     `json:"recordsSynced"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Recommendation is an advisory produced by OptimizeWorkflowRules.
type Recommendation struct {
	RuleID     string  `json:"ruleId"`
	RuleName   string  `json:"ruleName"`
	SkipRatio  float64 `json:"skipRatio"`
	Samples    int     `json:"samples"`
	Suggestion string  `json:"suggestion"`
}

type ruleState struct {
	stats   RuleStats
	totalMs int64
	recent  []workflow.Status
	next    int
}

func (s *ruleState) remember(st workflow.Status, window int) {
	if len(s.recent) < window {
		s.recent = append(s.recent, st)
		return
	}
	s.recent[s.next] = st
	s.next = (s.next + 1) % window
}

type integrationState struct {
	stats          IntegrationStats
	totalLatencyMs int64
}

// Aggregator observes executions and data-stream syncs.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.RWMutex
	rules        map[string]*ruleState
	integrations map[string]*integrationState
	totalMs      int64
	totals       WorkflowMetrics

	registry *prometheus.Registry
	prom     *promMetrics
}

// NewAggregator creates an aggregator with its own Prometheus registry.
func NewAggregator(cfg Config, logger *slog.Logger) *Aggregator {
	def := DefaultConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.SkipRatioThreshold <= 0 || cfg.SkipRatioThreshold > 1 {
		cfg.SkipRatioThreshold = def.SkipRatioThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	return &Aggregator{
		cfg:          cfg,
		logger:       logger.With("component", "metrics"),
		rules:        make(map[string]*ruleState),
		integrations: make(map[string]*integrationState),
		registry:     reg,
		prom:         newPromMetrics(cfg.Namespace, reg),
	}
}

// ObserveExecution implements workflow.ExecutionObserver.
func (a *Aggregator) ObserveExecution(exec *workflow.Execution) {
	if exec == nil || !exec.Status.Terminal() {
		return
	}
	at := exec.StartedAt
	if exec.CompletedAt != nil {
		at = *exec.CompletedAt
	}

	a.mu.Lock()
	rs, ok := a.rules[exec.RuleID]
	if !ok {
		rs = &ruleState{stats: RuleStats{RuleID: exec.RuleID}}
		a.rules[exec.RuleID] = rs
	}
	rs.stats.RuleName = exec.RuleName
	rs.stats.Executions++
	rs.totalMs += exec.ExecutionTimeMs
	rs.stats.AvgExecutionMs = float64(rs.totalMs) / float64(rs.stats.Executions)
	rs.stats.LastExecutedAt = at
	countStatus(exec.Status, &rs.stats.Completed, &rs.stats.PartialFailures, &rs.stats.Failed, &rs.stats.Skipped)
	rs.remember(exec.Status, a.cfg.RecentWindow)

	a.totals.TotalExecutions++
	a.totalMs += exec.ExecutionTimeMs
	countStatus(exec.Status, &a.totals.Completed, &a.totals.PartialFailures, &a.totals.Failed, &a.totals.Skipped)

	for _, r := range exec.Results {
		if r.Kind != action.KindAPICall || r.IntegrationID == "" {
			continue
		}
		is := a.integration(r.IntegrationID)
		is.stats.Calls++
		if r.Success {
			is.stats.Succeeded++
		} else {
			is.stats.Failed++
		}
		is.totalLatencyMs += r.DurationMs
		is.stats.AvgLatencyMs = float64(is.totalLatencyMs) / float64(is.stats.Calls)
		is.stats.LastActivityAt = r.CompletedAt
	}
	a.mu.Unlock()

	a.prom.observeExecution(exec)
}

// ObserveSync implements integration.SyncObserver.
func (a *Aggregator) ObserveSync(integrationID string, records int, duration time.Duration, err error) {
	a.mu.Lock()
	is := a.integration(integrationID)
	is.stats.Syncs++
	if err != nil {
		is.stats.FailedSyncs++
	}
	is.stats.RecordsSynced += int64(records)
	is.stats.LastActivityAt = time.Now()
	a.mu.Unlock()

	a.prom.observeSync(records, duration, err)
}

// integration must be called with mu held.
func (a *Aggregator) integration(id string) *integrationState {
	is, ok := a.integrations[id]
	if !ok {
		is = &integrationState{stats: IntegrationStats{IntegrationID: id}}
		a.integrations[id] = is
	}
	return is
}

func countStatus(st workflow.Status, completed, partial, failed, skipped *int64) {
	switch st {
	case workflow.StatusCompleted:
		*completed++
	case workflow.StatusPartialFailure:
		*partial++
	case workflow.StatusFailed:
		*failed++
	case workflow.StatusSkipped:
		*skipped++
	}
}

// GetWorkflowMetrics returns totals, per-rule stats ordered by rule id and the
// top-N most triggered rules.
func (a *Aggregator) GetWorkflowMetrics() WorkflowMetrics {
	a.mu.RLock()
	out := a.totals
	if out.TotalExecutions > 0 {
		out.AvgExecutionMs = float64(a.totalMs) / float64(out.TotalExecutions)
	}
	out.Rules = make([]RuleStats, 0, len(a.rules))
	for _, rs := range a.rules {
		out.Rules = append(out.Rules, rs.stats)
	}
	a.mu.RUnlock()

	// Skipped executions are a normal outcome and do not count against success.
	if ran := out.TotalExecutions - out.Skipped; ran > 0 {
		out.SuccessRate = float64(out.Completed) / float64(ran)
	}

	sort.Slice(out.Rules, func(i, j int) bool { return out.Rules[i].RuleID < out.Rules[j].RuleID })
	top := append([]RuleStats(nil), out.Rules...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Executions > top[j].Executions })
	if len(top) > a.cfg.TopN {
		top = top[:a.cfg.TopN]
	}
	out.MostTriggered = top
	return out
}

// GetIntegrationMetrics returns stats for one integration, or for every
// integration when id is empty. An unknown id yields an empty list.
func (a *Aggregator) GetIntegrationMetrics(id string) []IntegrationStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if id != "" {
		is, ok := a.integrations[id]
		if !ok {
			return []IntegrationStats{}
		}
		return []IntegrationStats{is.stats}
	}
	out := make([]IntegrationStats, 0, len(a.integrations))
	for _, is := range a.integrations {
		out = append(out, is.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IntegrationID < out[j].IntegrationID })
	return out
}

// OptimizeWorkflowRules flags rules whose recent SKIPPED ratio exceeds the
// threshold. It never changes a rule.
func (a *Aggregator) OptimizeWorkflowRules() []Recommendation {
	a.mu.RLock()
	var out []Recommendation
	for _, rs := range a.rules {
		n := len(rs.recent)
		if n < a.cfg.MinSamples {
			continue
		}
		skipped := 0
		for _, st := range rs.recent {
			if st == workflow.StatusSkipped {
				skipped++
			}
		}
		ratio := float64(skipped) / float64(n)
		if ratio <= a.cfg.SkipRatioThreshold {
			continue
		}
		out = append(out, Recommendation{
			RuleID:    rs.stats.RuleID,
			RuleName:  rs.stats.RuleName,
			SkipRatio: ratio,
			Samples:   n,
			Suggestion: fmt.Sprintf("%.0f%% of the last %d triggers were skipped by conditions; "+
				"tighten the conditions or narrow the trigger filters so fewer events reach them", ratio*100, n),
		})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SkipRatio != out[j].SkipRatio {
			return out[i].SkipRatio > out[j].SkipRatio
		}
		return out[i].RuleID < out[j].RuleID
	})
	if len(out) > 0 {
		a.logger.Info("rule optimization candidates", "count", len(out))
	}
	return out
}

// Registry exposes the aggregator's Prometheus registry.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// Handler serves the aggregator's metrics in the Prometheus text format.
func (a *Aggregator) Handler() http.Handler {
	return handlerFor(a.registry)
}
