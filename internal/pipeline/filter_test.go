package pipeline

import (
	"context"
	"testing"
)

type captureSink struct {
	events []Event
}

func (s *captureSink) Consume(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return nil
}

// TestDropCondition_NameWildcard verifies wildcard evaluation on event name.
// Params: testing.T for assertions.
// Returns: none.
func TestDropCondition_NameWildcard(t *testing.T) {
	condition, err := ParseDropCondition("name=JS:*")
	if err != nil {
		t.Fatalf("parse condition: %v", err)
	}

	if !condition.Matches(Event{EventType: "Logs", Name: "JS:UncaughtException"}) {
		t.Fatalf("expected JS:* to match uncaught exception event")
	}
	if condition.Matches(Event{EventType: "Logs", Name: "JSConsole"}) {
		t.Fatalf("expected JS:* not to match console event")
	}
}

// TestDropCondition_NumericAndAttributes verifies numeric comparisons and attribute lookup.
// Params: testing.T for assertions.
// Returns: none.
func TestDropCondition_NumericAndAttributes(t *testing.T) {
	slow, err := ParseDropCondition("duration>10")
	if err != nil {
		t.Fatalf("parse numeric condition: %v", err)
	}
	event := Event{
		Name:       "Checkout",
		Attributes: map[string]any{"duration": 12.5, "consoleType": "log"},
		Global:     map[string]string{"channel": "beta"},
	}
	if !slow.Matches(event) {
		t.Fatalf("expected duration>10 to match")
	}

	textual, err := ParseDropCondition("consoleType=log")
	if err != nil {
		t.Fatalf("parse textual condition: %v", err)
	}
	if !textual.Matches(event) {
		t.Fatalf("expected consoleType=log to match")
	}

	global, err := ParseDropCondition("channel!=stable")
	if err != nil {
		t.Fatalf("parse global condition: %v", err)
	}
	if !global.Matches(event) {
		t.Fatalf("expected global attribute comparison to match")
	}

	missing, err := ParseDropCondition("size<5")
	if err != nil {
		t.Fatalf("parse missing-field condition: %v", err)
	}
	if missing.Matches(event) {
		t.Fatalf("missing attribute must not match '<'")
	}
}

// TestParseDropCondition_Invalid verifies malformed expressions are rejected.
// Params: testing.T for assertions.
// Returns: none.
func TestParseDropCondition_Invalid(t *testing.T) {
	for _, expression := range []string{"", "name", "=x", "name="} {
		if _, err := ParseDropCondition(expression); err == nil {
			t.Fatalf("expected parse error for %q", expression)
		}
	}
	if _, err := ParseDropConditions([]string{"name=ok", "bad"}); err == nil {
		t.Fatalf("expected list parse error")
	}
}

// TestFilterSink_DropsMatchingEvents verifies OR semantics and drop counter.
// Params: testing.T for assertions.
// Returns: none.
func TestFilterSink_DropsMatchingEvents(t *testing.T) {
	conditions, err := ParseDropConditions([]string{"consoleType=log", "type=Debug"})
	if err != nil {
		t.Fatalf("parse conditions: %v", err)
	}
	next := &captureSink{}
	sink := NewFilterSink(conditions, next)

	events := []Event{
		{EventType: "Logs", Name: "JSConsole", Attributes: map[string]any{"consoleType": "log"}},
		{EventType: "Debug", Name: "Trace"},
		{EventType: "Logs", Name: "JSConsole", Attributes: map[string]any{"consoleType": "error"}},
	}
	for _, event := range events {
		if err := sink.Consume(context.Background(), event); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}

	if len(next.events) != 1 || next.events[0].Attributes["consoleType"] != "error" {
		t.Fatalf("unexpected forwarded events: %#v", next.events)
	}
	if sink.Dropped() != 2 {
		t.Fatalf("unexpected dropped count: %d", sink.Dropped())
	}
}
