package transcript

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of Message as consumers receive it.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Mapper:         mapSealed,
	}
	s := r.Reflect(&Message{})
	return json.MarshalIndent(s, "", "  ")
}

// mapSealed describes the types whose JSON shape comes from a custom
// marshaller, which reflection cannot see.
func mapSealed(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeOf(Timeline(nil)):
		props := jsonschema.NewProperties()
		props.Set("type", &jsonschema.Schema{Type: "string", Enum: []any{"content", "tool_call"}})
		props.Set("kind", &jsonschema.Schema{Type: "string", Enum: []any{"text", "thought", "image"}})
		props.Set("text", &jsonschema.Schema{Type: "string"})
		props.Set("tool_call_id", &jsonschema.Schema{Type: "string"})
		return &jsonschema.Schema{
			Type: "array",
			Items: &jsonschema.Schema{
				Type:       "object",
				Properties: props,
				Required:   []string{"type"},
			},
		}
	case reflect.TypeOf(ToolCall{}):
		result := jsonschema.NewProperties()
		result.Set("kind", &jsonschema.Schema{Type: "string", Enum: []any{"success", "failure"}})
		result.Set("output", &jsonschema.Schema{Type: "string"})
		result.Set("summary", &jsonschema.Schema{Type: "string"})
		result.Set("error", &jsonschema.Schema{Type: "string"})
		result.Set("details", &jsonschema.Schema{Type: "string"})

		props := jsonschema.NewProperties()
		props.Set("id", &jsonschema.Schema{Type: "string"})
		props.Set("name", &jsonschema.Schema{Type: "string"})
		props.Set("status", &jsonschema.Schema{Type: "string", Enum: []any{"pending", "running", "success", "failed", "cancelled"}})
		props.Set("parameters", &jsonschema.Schema{Type: "object"})
		props.Set("started_at", &jsonschema.Schema{Type: "string", Format: "date-time"})
		props.Set("ended_at", &jsonschema.Schema{Type: "string", Format: "date-time"})
		props.Set("result", &jsonschema.Schema{Type: "object", Properties: result, Required: []string{"kind"}})
		return &jsonschema.Schema{
			Type:       "object",
			Properties: props,
			Required:   []string{"id", "name", "status"},
		}
	}
	return nil
}
