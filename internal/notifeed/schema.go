package notifeed

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// pushEventSchemaJSON is the contract for the payload of a
// notification-created push event. Events missing id, category, or
// createdAt are dropped at the boundary rather than admitted with
// placeholder data.
const pushEventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "category", "createdAt"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "category": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "message": {"type": "string"},
    "createdAt": {"type": "string", "minLength": 1},
    "isRead": {"type": "boolean"},
    "relatedEntityRef": {"type": "string"}
  }
}`

var pushEventSchema = mustCompilePushEventSchema()

func mustCompilePushEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(pushEventSchemaJSON)))
	if err != nil {
		panic(fmt.Sprintf("push event schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push-event.json", doc); err != nil {
		panic(fmt.Sprintf("push event schema: %v", err))
	}
	schema, err := compiler.Compile("push-event.json")
	if err != nil {
		panic(fmt.Sprintf("push event schema: %v", err))
	}
	return schema
}

// validatePushPayload checks raw event payload bytes against the push
// event schema.
func validatePushPayload(payload []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := pushEventSchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}
