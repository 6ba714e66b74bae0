package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Params are schema-checked before any semantic validation so malformed
// requests fail with a shape error instead of a confusing store error.
var paramSchemaJSON = map[string]string{
	"scheduler.create": `{
		"type": "object",
		"required": ["name", "prompt", "conversation_id", "interval_value", "interval_unit"],
		"properties": {
			"name":            {"type": "string", "minLength": 1},
			"prompt":          {"type": "string", "minLength": 1},
			"conversation_id": {"type": "string", "minLength": 1},
			"interval_value":  {"type": "integer", "minimum": 1},
			"interval_unit":   {"type": "string", "enum": ["minutes", "hours", "days"]},
			"schedule_time":   {"type": "string"},
			"catch_up":        {"type": "boolean"},
			"one_shot":        {"type": "boolean"},
			"notify_desktop":  {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	"scheduler.list": `{
		"type": "object",
		"required": ["conversation_id"],
		"properties": {
			"conversation_id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"scheduler.cancel": `{
		"type": "object",
		"required": ["task_id", "conversation_id"],
		"properties": {
			"task_id":         {"type": "string", "minLength": 1},
			"conversation_id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

type paramSchemas struct {
	compiled map[string]*jsonschema.Schema
}

func compileParamSchemas() (*paramSchemas, error) {
	c := jsonschema.NewCompiler()
	for method, src := range paramSchemaJSON {
		// Use jsonschema.UnmarshalJSON for correct number handling.
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", method, err)
		}
		if err := c.AddResource(method+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", method, err)
		}
	}
	ps := &paramSchemas{compiled: make(map[string]*jsonschema.Schema, len(paramSchemaJSON))}
	for method := range paramSchemaJSON {
		schema, err := c.Compile(method + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", method, err)
		}
		ps.compiled[method] = schema
	}
	return ps, nil
}

func (ps *paramSchemas) validate(method string, raw json.RawMessage) error {
	schema, ok := ps.compiled[method]
	if !ok {
		return fmt.Errorf("no schema for method %q", method)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := schema.Validate(val); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
