package builtin

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor reflects T into the plain map form tools hand to providers.
func schemaFor[T any]() map[string]interface{} {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	raw, err := json.Marshal(r.Reflect(new(T)))
	if err != nil {
		panic("builtin: reflect schema: " + err.Error())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("builtin: decode schema: " + err.Error())
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
