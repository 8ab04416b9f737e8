package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"shimrelay/internal/match"
)

type conditionOperator string

const (
	operatorEQ conditionOperator = "="
	operatorNE conditionOperator = "!="
	operatorGT conditionOperator = ">"
	operatorLT conditionOperator = "<"
)

// DropCondition is one compiled drop_event expression.
// Params: raw condition and parsed parts.
// Returns: evaluatable drop condition.
type DropCondition struct {
	Raw   string
	Field string
	Op    conditionOperator
	Value string

	valueNumber float64
	valueIsNum  bool

	pattern    match.Pattern
	hasPattern bool
}

// ParseDropCondition parses one drop_event expression.
// Params: expression in format <field><op><value>; field is type, name, session, or an attribute.
// Returns: compiled drop condition or parse error.
func ParseDropCondition(expression string) (DropCondition, error) {
	raw := strings.TrimSpace(expression)
	if raw == "" {
		return DropCondition{}, fmt.Errorf("empty expression")
	}

	field, op, value, ok := splitCondition(raw)
	if !ok {
		return DropCondition{}, fmt.Errorf("invalid expression %q", raw)
	}
	if field == "" {
		return DropCondition{}, fmt.Errorf("field is empty in expression %q", raw)
	}
	if value == "" {
		return DropCondition{}, fmt.Errorf("value is empty in expression %q", raw)
	}

	condition := DropCondition{
		Raw:   raw,
		Field: field,
		Op:    op,
		Value: value,
	}
	if parsed, err := strconv.ParseFloat(value, 64); err == nil {
		condition.valueNumber = parsed
		condition.valueIsNum = true
	}
	if pattern, ok := match.Compile(value); ok && pattern.HasWildcard() {
		condition.pattern = pattern
		condition.hasPattern = true
	}

	return condition, nil
}

// ParseDropConditions compiles a list of drop_event expressions.
// Params: expressions raw condition list.
// Returns: compiled conditions or the first parse error with its index.
func ParseDropConditions(expressions []string) ([]DropCondition, error) {
	out := make([]DropCondition, 0, len(expressions))
	for idx, expression := range expressions {
		condition, err := ParseDropCondition(expression)
		if err != nil {
			return nil, fmt.Errorf("drop_event[%d]: %w", idx, err)
		}
		out = append(out, condition)
	}
	return out, nil
}

// Matches evaluates the condition against one event.
// Params: event candidate event.
// Returns: true when the event should be dropped.
func (c DropCondition) Matches(event Event) bool {
	actual, ok := event.Field(c.Field)
	if !ok {
		return c.Op == operatorNE
	}

	number, isNumber := actual.(float64)
	switch c.Op {
	case operatorGT:
		return isNumber && c.valueIsNum && number > c.valueNumber
	case operatorLT:
		return isNumber && c.valueIsNum && number < c.valueNumber
	case operatorEQ:
		if isNumber && c.valueIsNum {
			return number == c.valueNumber
		}
		return c.matchText(actual)
	case operatorNE:
		if isNumber && c.valueIsNum {
			return number != c.valueNumber
		}
		return !c.matchText(actual)
	default:
		return false
	}
}

// matchText compares the textual form of actual with the literal or wildcard value.
func (c DropCondition) matchText(actual any) bool {
	text, ok := actual.(string)
	if !ok {
		text = fmt.Sprint(actual)
	}
	if c.hasPattern {
		return c.pattern.Match(text)
	}
	return text == c.Value
}

// splitCondition splits raw expression into field/operator/value.
// Params: raw expression text.
// Returns: field, operator, value, and parse-ok flag.
func splitCondition(raw string) (string, conditionOperator, string, bool) {
	operators := []conditionOperator{operatorNE, operatorGT, operatorLT, operatorEQ}
	for _, op := range operators {
		field, value, found := strings.Cut(raw, string(op))
		if !found {
			continue
		}
		return strings.TrimSpace(field), op, strings.TrimSpace(value), true
	}
	return "", "", "", false
}

// FilterSink drops events matching any condition before forwarding the rest.
// Params: OR-combined conditions and downstream sink.
// Returns: filtering sink.
type FilterSink struct {
	conditions []DropCondition
	next       Sink
	dropped    atomic.Uint64
}

// NewFilterSink wraps next with drop conditions.
// Params: conditions compiled drop conditions; next downstream sink.
// Returns: filtering sink.
func NewFilterSink(conditions []DropCondition, next Sink) *FilterSink {
	return &FilterSink{conditions: conditions, next: next}
}

// Consume forwards event unless a drop condition matches.
// Params: ctx consume context; event payload.
// Returns: downstream error.
func (s *FilterSink) Consume(ctx context.Context, event Event) error {
	for _, condition := range s.conditions {
		if condition.Matches(event) {
			s.dropped.Add(1)
			return nil
		}
	}
	return s.next.Consume(ctx, event)
}

// Dropped returns the number of filtered events.
func (s *FilterSink) Dropped() uint64 {
	return s.dropped.Load()
}
