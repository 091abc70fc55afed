// Package condition evaluates a rule's flat AND/OR predicate chain against a
// trigger context.
package condition

import (
	"fmt"
	"regexp"
	"strings"
)

// Operator compares a context value with a condition value.
type Operator string

const (
	Equals             Operator = "EQUALS"
	NotEquals          Operator = "NOT_EQUALS"
	GreaterThan        Operator = "GREATER_THAN"
	GreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	LessThan           Operator = "LESS_THAN"
	LessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	In                 Operator = "IN"
	Contains           Operator = "CONTAINS"
	Exists             Operator = "EXISTS"
	Matches            Operator = "MATCHES"
	// Expression evaluates Value as a boolean expr-lang program against the
	// whole context. Field is ignored.
	Expression Operator = "EXPRESSION"
)

// Combinator joins a condition to the result of the ones before it.
type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// Condition is a single predicate of a rule.
type Condition struct {
	Combinator Combinator `yaml:"combinator,omitempty" json:"combinator,omitempty"`
	Field      string     `yaml:"field,omitempty" json:"field,omitempty"`
	Operator   Operator   `yaml:"operator" json:"operator"`
	Value      any        `yaml:"value,omitempty" json:"value,omitempty"`
}

var knownOperators = map[Operator]bool{
	Equals: true, NotEquals: true,
	GreaterThan: true, GreaterThanOrEqual: true,
	LessThan: true, LessThanOrEqual: true,
	In: true, Contains: true, Exists: true,
	Matches: true, Expression: true,
}

// Validate checks a single condition.
func (c Condition) Validate() error {
	if !knownOperators[c.Operator] {
		return fmt.Errorf("unknown operator: %q", c.Operator)
	}
	switch c.Combinator {
	case "", And, Or:
	default:
		return fmt.Errorf("unknown combinator: %q", c.Combinator)
	}

	switch c.Operator {
	case Expression:
		src, ok := c.Value.(string)
		if !ok || strings.TrimSpace(src) == "" {
			return fmt.Errorf("expression operator requires a non-empty string value")
		}
		if _, err := compile(src); err != nil {
			return fmt.Errorf("invalid expression: %w", err)
		}
		return nil
	case Matches:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("matches operator requires a string pattern")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	case In:
		if _, ok := asList(c.Value); !ok {
			return fmt.Errorf("in operator requires a list value")
		}
	}

	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("field is required")
	}
	return nil
}

// Validate checks every condition in order.
func Validate(conds []Condition) error {
	for i, c := range conds {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// Evaluate reports whether conds hold against ctx using the shared evaluator.
func Evaluate(conds []Condition, ctx map[string]any) bool {
	return defaultEvaluator.Evaluate(conds, ctx)
}
