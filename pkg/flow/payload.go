package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quotehq/quoteflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// Per-event-kind payload schemas. Malformed payloads are rejected locally
// before the transition table is consulted and never reach storage.
var payloadSchemas = map[models.EventKind]string{
	models.EventStart: `{
		"type": "object",
		"additionalProperties": false
	}`,
	models.EventFillField: `{
		"type": "object",
		"required": ["fields"],
		"additionalProperties": false,
		"properties": {
			"fields": {
				"type": "object",
				"minProperties": 1,
				"additionalProperties": {"type": "string"}
			}
		}
	}`,
	models.EventSubmitStep: `{
		"type": "object",
		"additionalProperties": false
	}`,
	models.EventAcceptPricing: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"note": {"type": "string"}
		}
	}`,
	models.EventApprove: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"note": {"type": "string"}
		}
	}`,
	models.EventReject: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"note": {"type": "string"}
		}
	}`,
	models.EventMarkWon: `{
		"type": "object",
		"additionalProperties": false
	}`,
	models.EventMarkLost: `{
		"type": "object",
		"additionalProperties": false
	}`,
	models.EventCancel: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"reason": {"type": "string"}
		}
	}`,
	models.EventExpire: `{
		"type": "object",
		"additionalProperties": false
	}`,
}

var compiledSchemas = compileSchemas()

func compileSchemas() map[models.EventKind]*gojsonschema.Schema {
	compiled := make(map[models.EventKind]*gojsonschema.Schema, len(payloadSchemas))

	for kind, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Errorf("invalid payload schema for event kind %q: %w", kind, err))
		}

		compiled[kind] = schema
	}

	return compiled
}

// ValidatePayload checks an event's payload against the schema for its
// kind. Unknown kinds and schema violations yield a RejectionError.
func ValidatePayload(event models.FlowEvent) error {
	schema, ok := compiledSchemas[event.Kind]
	if !ok {
		return &RejectionError{Kind: event.Kind, Reason: "unknown event kind"}
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	document, err := json.Marshal(payload)
	if err != nil {
		return &RejectionError{Kind: event.Kind, Reason: "payload is not serializable: " + err.Error()}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return &RejectionError{Kind: event.Kind, Reason: "payload validation failed: " + err.Error()}
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return &RejectionError{Kind: event.Kind, Reason: "malformed payload: " + strings.Join(details, "; ")}
	}

	return nil
}
