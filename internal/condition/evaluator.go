package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var defaultEvaluator = NewEvaluator()

// Evaluator evaluates conditions and caches compiled expressions and
// regular expressions.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	patterns map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator with empty caches.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Evaluate chains the conditions left to right. The first condition's
// combinator is ignored. An empty list is true. A condition whose field is
// missing from ctx is false. Evaluate never panics on malformed input.
func (e *Evaluator) Evaluate(conds []Condition, ctx map[string]any) (result bool) {
	if len(conds) == 0 {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			result = false
		}
	}()

	result = e.match(conds[0], ctx)
	for _, c := range conds[1:] {
		if c.Combinator == Or {
			result = result || e.match(c, ctx)
		} else {
			result = result && e.match(c, ctx)
		}
	}
	return result
}

func (e *Evaluator) match(c Condition, ctx map[string]any) bool {
	if c.Operator == Expression {
		return e.matchExpression(c, ctx)
	}

	actual, found := Lookup(ctx, c.Field)
	if !found {
		return false
	}

	switch c.Operator {
	case Exists:
		return actual != nil
	case Equals:
		return equal(actual, c.Value)
	case NotEquals:
		return !equal(actual, c.Value)
	case GreaterThan:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp > 0
	case GreaterThanOrEqual:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp >= 0
	case LessThan:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp < 0
	case LessThanOrEqual:
		cmp, ok := compare(actual, c.Value)
		return ok && cmp <= 0
	case In:
		list, ok := asList(c.Value)
		if !ok {
			return false
		}
		for _, v := range list {
			if equal(actual, v) {
				return true
			}
		}
		return false
	case Contains:
		return contains(actual, c.Value)
	case Matches:
		re := e.pattern(c.Value)
		return re != nil && re.MatchString(fmt.Sprintf("%v", actual))
	}
	return false
}

func (e *Evaluator) matchExpression(c Condition, ctx map[string]any) bool {
	src, ok := c.Value.(string)
	if !ok {
		return false
	}
	program := e.program(src)
	if program == nil {
		return false
	}
	env := ctx
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func (e *Evaluator) program(src string) *vm.Program {
	e.mu.RLock()
	if p, ok := e.programs[src]; ok {
		e.mu.RUnlock()
		return p
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[src]; ok {
		return p
	}
	p, err := compile(src)
	if err != nil {
		// Failed compiles are cached as nil.
		e.programs[src] = nil
		return nil
	}
	e.programs[src] = p
	return p
}

func (e *Evaluator) pattern(v any) *regexp.Regexp {
	src, ok := v.(string)
	if !ok {
		return nil
	}

	e.mu.RLock()
	if re, ok := e.patterns[src]; ok {
		e.mu.RUnlock()
		return re
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.patterns[src]; ok {
		return re
	}
	re, err := regexp.Compile(src)
	if err != nil {
		e.patterns[src] = nil
		return nil
	}
	e.patterns[src] = re
	return re
}

func compile(src string) (*vm.Program, error) {
	return expr.Compile(src,
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
}

// Lookup resolves a dotted path such as "payload.items.0.sku" against nested
// maps and slices.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if ctx == nil || path == "" {
		return nil, false
	}
	if v, ok := ctx[path]; ok {
		return v, true
	}

	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 {
				return nil, false
			}
			list, ok := asList(node)
			if !ok || idx >= len(list) {
				return nil, false
			}
			cur = list[idx]
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compare orders numbers numerically and strings lexically. Mixed or
// unordered types are not comparable.
func compare(a, b any) (int, bool) {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			n = fmt.Sprintf("%v", needle)
		}
		return strings.Contains(strings.ToLower(h), strings.ToLower(n))
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[key]
		return found
	}
	if list, ok := asList(haystack); ok {
		for _, v := range list {
			if equal(v, needle) {
				return true
			}
		}
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
