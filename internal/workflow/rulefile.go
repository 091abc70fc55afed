package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a rule definition. Rules in files are enabled unless
// they say otherwise.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// ParseRule parses and validates one rule from YAML.
func ParseRule(data []byte) (Rule, error) {
	var r Rule
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rule{}, fmt.Errorf("failed to parse rule: %w", err)
	}
	r.applyDefaults()
	if err := r.Validate(); err != nil {
		return Rule{}, fmt.Errorf("invalid rule %q: %w", r.Name, err)
	}
	return r, nil
}

// ParseRules parses a YAML document holding either a list of rules or a
// single rule. Every rule is validated.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		r, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []Rule{r}, nil
	}

	for i := range rules {
		rules[i].applyDefaults()
		if err := rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, rules[i].Name, err)
		}
	}
	return rules, nil
}

// RuleFile is the set of rules parsed from one file.
type RuleFile struct {
	Path  string
	Rules []Rule
}

// LoadRules reads every .yaml and .yml file in dir, in name order. A file
// that fails to parse aborts the load with an error naming the file.
func LoadRules(dir string) ([]RuleFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rule directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	files := make([]RuleFile, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		rules, err := ParseRules(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		files = append(files, RuleFile{Path: path, Rules: rules})
	}
	return files, nil
}

// ImportRules creates every rule whose name is not already taken. It returns
// the number of rules created; existing names are left untouched.
func (e *Engine) ImportRules(ctx context.Context, rules []Rule) (int, error) {
	existing := make(map[string]bool)
	for _, r := range e.rules.Snapshot() {
		existing[r.Name] = true
	}

	created := 0
	var errs []error
	for _, r := range rules {
		if existing[strings.TrimSpace(r.Name)] {
			continue
		}
		if _, err := e.CreateRule(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		existing[r.Name] = true
		created++
	}
	return created, errors.Join(errs...)
}
