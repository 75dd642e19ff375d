package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
)

// ValidateInput checks input against the subset of JSON Schema that tool parameters use:
// type, required, properties, additionalProperties=false, items, enum, minimum and maximum.
// Failures wrap ErrToolSchema.
func ValidateInput(schema map[string]interface{}, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var value interface{}
	if err := json.Unmarshal(input, &value); err != nil {
		return schemaError("invalid JSON input: %v", err)
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return schemaError("arguments must be a JSON object, got %s", jsonType(value))
	}
	return validateObject("", schema, obj)
}

func schemaError(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kotobaErrors.ErrToolSchema)
}

func validateObject(path string, schema map[string]interface{}, input map[string]interface{}) error {
	for _, field := range requiredFields(schema["required"]) {
		if _, exists := input[field]; !exists {
			return schemaError("missing required field: %s", join(path, field))
		}
	}

	properties, _ := schema["properties"].(map[string]interface{})
	strict := schema["additionalProperties"] == false

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		propSchema, defined := properties[key]
		if !defined {
			if strict {
				return schemaError("unknown field: %s", join(path, key))
			}
			continue
		}
		propSchemaMap, ok := propSchema.(map[string]interface{})
		if !ok {
			continue
		}
		if err := validateValue(join(path, key), propSchemaMap, input[key]); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, schema map[string]interface{}, value interface{}) error {
	if enum, ok := schema["enum"].([]interface{}); ok && len(enum) > 0 {
		found := false
		for _, allowed := range enum {
			if allowed == value {
				found = true
				break
			}
		}
		if !found {
			return schemaError("field '%s' must be one of %v", path, enum)
		}
	}

	expectedType, _ := schema["type"].(string)
	switch expectedType {
	case "":
		return nil
	case "string":
		if _, ok := value.(string); !ok {
			return schemaError("field '%s' expected string, got %s", path, jsonType(value))
		}
	case "number", "integer":
		n, ok := value.(float64)
		if !ok {
			return schemaError("field '%s' expected %s, got %s", path, expectedType, jsonType(value))
		}
		if expectedType == "integer" && n != math.Trunc(n) {
			return schemaError("field '%s' expected integer, got %v", path, n)
		}
		if min, ok := schema["minimum"].(float64); ok && n < min {
			return schemaError("field '%s' must be >= %v", path, min)
		}
		if max, ok := schema["maximum"].(float64); ok && n > max {
			return schemaError("field '%s' must be <= %v", path, max)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return schemaError("field '%s' expected boolean, got %s", path, jsonType(value))
		}
	case "array":
		arr, ok := value.([]interface{})
		if !ok {
			return schemaError("field '%s' expected array, got %s", path, jsonType(value))
		}
		if itemsSchema, ok := schema["items"].(map[string]interface{}); ok {
			for i, item := range arr {
				if err := validateValue(fmt.Sprintf("%s[%d]", path, i), itemsSchema, item); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return schemaError("field '%s' expected object, got %s", path, jsonType(value))
		}
		return validateObject(path, schema, obj)
	}
	return nil
}

func requiredFields(v interface{}) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, f := range req {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
