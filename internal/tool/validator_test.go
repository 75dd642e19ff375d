package tool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kotobaErrors "github.com/harunnryd/kotoba/internal/errors"
)

func TestValidateInput(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type": "string",
			},
			"age": map[string]interface{}{
				"type":    "integer",
				"minimum": float64(0),
				"maximum": float64(150),
			},
			"mode": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"fast", "slow"},
			},
			"tags": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "string",
				},
			},
			"filter": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"source": map[string]interface{}{"type": "string"},
				},
				"required":             []interface{}{"source"},
				"additionalProperties": false,
			},
		},
		"required":             []string{"name"},
		"additionalProperties": false,
	}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid input", input: `{"name": "Alice", "age": 30, "tags": ["admin"]}`},
		{name: "valid nested object", input: `{"name": "Alice", "filter": {"source": "faq.md"}}`},
		{name: "missing required field", input: `{"age": 30}`, wantErr: true},
		{name: "wrong type", input: `{"name": 123}`, wantErr: true},
		{name: "fractional integer", input: `{"name": "a", "age": 1.5}`, wantErr: true},
		{name: "below minimum", input: `{"name": "a", "age": -1}`, wantErr: true},
		{name: "above maximum", input: `{"name": "a", "age": 151}`, wantErr: true},
		{name: "enum mismatch", input: `{"name": "a", "mode": "medium"}`, wantErr: true},
		{name: "enum match", input: `{"name": "a", "mode": "slow"}`},
		{name: "array item type", input: `{"name": "a", "tags": ["ok", 1]}`, wantErr: true},
		{name: "unknown field", input: `{"name": "a", "extra": true}`, wantErr: true},
		{name: "nested missing required", input: `{"name": "a", "filter": {}}`, wantErr: true},
		{name: "nested unknown field", input: `{"name": "a", "filter": {"source": "x", "page": 1}}`, wantErr: true},
		{name: "not an object", input: `["name"]`, wantErr: true},
		{name: "invalid json", input: `{"name":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInput(schema, json.RawMessage(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, kotobaErrors.ErrToolSchema)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateInputTreatsEmptyAsEmptyObject(t *testing.T) {
	open := map[string]interface{}{"type": "object"}
	assert.NoError(t, ValidateInput(open, nil))

	strict := map[string]interface{}{"type": "object", "required": []string{"q"}}
	err := ValidateInput(strict, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required field: q")
}

func TestValidateInputReportsNestedPath(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"items": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"n": map[string]interface{}{"type": "number"},
					},
				},
			},
		},
	}
	err := ValidateInput(schema, json.RawMessage(`{"items": [{"n": 1}, {"n": "two"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items[1].n")
}
