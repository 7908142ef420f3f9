// Package validation compiles and runs the JSON Schema checks the event
// router applies to every inbound envelope: a mandatory schema for
// redisMetadata, and a per-event-name schema registry with an optional
// custom validator callback, per §4.8 step 3 of the core specification.
package validation

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/model"
)

// redisMetadataSchemaJSON requires origin as a non-empty string and allows
// every other redisMetadata field to be absent; the router fills in
// transactionId, iteration, and the rest as the message is processed.
const redisMetadataSchemaJSON = `{
  "type": "object",
  "properties": {
    "origin": {"type": "string", "minLength": 1},
    "to": {"type": "string"},
    "incomerName": {"type": "string"},
    "prefix": {"type": "string"},
    "transactionId": {"type": "string"},
    "eventTransactionId": {"type": "string"},
    "mainTransaction": {"type": "boolean"},
    "relatedTransaction": {"type": ["string", "null"]},
    "resolved": {"type": "boolean"},
    "iteration": {"type": "number"}
  },
  "required": ["origin"]
}`

// permissiveSchemaJSON accepts any data body; used only as the fallback for
// reserved control events (register, ping) that have no event-specific
// schema registered.
const permissiveSchemaJSON = `{}`

// CallbackFn is the custom validator delegate (eventsValidation.validationCbFn
// in the configuration table): invoked instead of the compiled per-event
// schema for any non-control event when registered.
type CallbackFn func(event string, data any) error

// ErrUnknownEvent is returned when no schema, callback, or control-event
// fallback applies to an event name.
var ErrUnknownEvent = fmt.Errorf("validation: unknown event")

// Validator holds the compiled redisMetadata schema plus a registry of
// per-event-name schemas, and an optional callback delegate.
type Validator struct {
	metadataSchema *gojsonschema.Schema
	eventSchemas   map[string]*gojsonschema.Schema
	callback       CallbackFn
	logger         *zap.Logger
}

// New compiles the mandatory redisMetadata schema and returns an empty
// per-event schema registry.
func New(logger *zap.Logger) (*Validator, error) {
	schema, err := compile(redisMetadataSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("validation: compile redisMetadata schema: %w", err)
	}
	return &Validator{
		metadataSchema: schema,
		eventSchemas:   make(map[string]*gojsonschema.Schema),
		logger:         logger,
	}, nil
}

func compile(schemaJSON string) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewStringLoader(schemaJSON)
	return gojsonschema.NewSchema(loader)
}

// RegisterEventSchema compiles and registers the JSON schema body an event's
// data must satisfy (eventsValidation.eventsValidationFn in the
// configuration table).
func (v *Validator) RegisterEventSchema(event, schemaJSON string) error {
	schema, err := compile(schemaJSON)
	if err != nil {
		return fmt.Errorf("validation: compile schema for %s: %w", event, err)
	}
	v.eventSchemas[event] = schema
	return nil
}

// SetCallback installs the custom validator delegate.
func (v *Validator) SetCallback(fn CallbackFn) {
	v.callback = fn
}

func isControlEvent(name string) bool {
	return name == model.EventRegister || name == model.EventPing
}

func validateAgainst(schema *gojsonschema.Schema, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("validation: marshal data: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validation: run schema: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("validation: %s", errs[0].String())
		}
		return fmt.Errorf("validation: schema rejected data")
	}
	return nil
}

// ValidateMetadata checks env.RedisMetadata against the mandatory schema.
func (v *Validator) ValidateMetadata(meta model.RedisMetadata) error {
	return validateAgainst(v.metadataSchema, meta)
}

// ValidateEvent validates an event body per §4.8 step 3: a registered
// custom callback takes over for non-control events; otherwise the compiled
// per-event schema runs; a control event with no registered schema falls
// back to a permissive check; any other unregistered name is ErrUnknownEvent.
func (v *Validator) ValidateEvent(event string, data any) error {
	if schema, ok := v.eventSchemas[event]; ok {
		if v.callback != nil && !isControlEvent(event) {
			return v.callback(event, data)
		}
		return validateAgainst(schema, data)
	}

	if isControlEvent(event) {
		permissive, err := compile(permissiveSchemaJSON)
		if err != nil {
			return fmt.Errorf("validation: compile permissive schema: %w", err)
		}
		return validateAgainst(permissive, data)
	}

	if v.callback != nil {
		return v.callback(event, data)
	}

	return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
}
