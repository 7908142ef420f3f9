package validation

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/evtmesh/dispatcher/internal/model"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestValidateMetadata_RequiresOrigin(t *testing.T) {
	v := newTestValidator(t)

	if err := v.ValidateMetadata(model.RedisMetadata{Origin: "abc"}); err != nil {
		t.Fatalf("expected valid metadata to pass, got %v", err)
	}
	if err := v.ValidateMetadata(model.RedisMetadata{}); err == nil {
		t.Fatalf("expected metadata with no origin to be rejected")
	}
}

func TestValidateEvent_ControlEventsArePermissiveByDefault(t *testing.T) {
	v := newTestValidator(t)

	if err := v.ValidateEvent(model.EventRegister, map[string]any{"anything": "goes"}); err != nil {
		t.Fatalf("expected register with no registered schema to pass permissively, got %v", err)
	}
	if err := v.ValidateEvent(model.EventPing, nil); err != nil {
		t.Fatalf("expected ping with nil data to pass permissively, got %v", err)
	}
}

func TestValidateEvent_UnknownEventRejected(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateEvent("neverRegistered", map[string]any{})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestValidateEvent_RegisteredSchemaEnforced(t *testing.T) {
	v := newTestValidator(t)
	schema := `{
		"type": "object",
		"properties": {"id": {"type": "string"}},
		"required": ["id"]
	}`
	if err := v.RegisterEventSchema("accountingFolder", schema); err != nil {
		t.Fatalf("RegisterEventSchema: %v", err)
	}

	if err := v.ValidateEvent("accountingFolder", map[string]any{"id": "1"}); err != nil {
		t.Fatalf("expected data matching schema to pass, got %v", err)
	}
	if err := v.ValidateEvent("accountingFolder", map[string]any{}); err == nil {
		t.Fatalf("expected data missing required id to fail")
	}
}

func TestValidateEvent_CallbackTakesOverForNonControlEvents(t *testing.T) {
	v := newTestValidator(t)
	if err := v.RegisterEventSchema("accountingFolder", `{}`); err != nil {
		t.Fatalf("RegisterEventSchema: %v", err)
	}

	var called string
	v.SetCallback(func(event string, data any) error {
		called = event
		return nil
	})

	if err := v.ValidateEvent("accountingFolder", map[string]any{}); err != nil {
		t.Fatalf("ValidateEvent: %v", err)
	}
	if called != "accountingFolder" {
		t.Fatalf("expected the callback to be invoked for a non-control event, got %q", called)
	}

	called = ""
	if err := v.ValidateEvent(model.EventRegister, map[string]any{}); err != nil {
		t.Fatalf("ValidateEvent: %v", err)
	}
	if called != "" {
		t.Fatalf("expected the callback NOT to be invoked for control events, got %q", called)
	}
}
