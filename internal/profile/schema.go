package profile

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// Draft07 is the dialect the profile schema is published under.
const Draft07 = "http://json-schema.org/draft-07/schema#"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

// Schema returns the profile schema reflected from Profile. The returned
// value is shared and must not be modified.
func Schema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			Anonymous:                 true,
			DoNotReference:            true,
			AllowAdditionalProperties: true,
		}
		s := r.Reflect(&Profile{})
		s.Version = Draft07
		schema = s
	})
	return schema
}

// SchemaJSON returns the indented JSON form of Schema.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
