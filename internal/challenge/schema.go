package challenge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	_ "embed"
)

//go:embed schema.json
var schemaJSON []byte

var schema = jsonschema.MustCompileString("challenge.json", string(schemaJSON))

// ValidateSchema checks raw descriptor bytes against the challenge schema
// before any field-level parsing happens.
func ValidateSchema(content []byte) error {
	// Validate wants the interface{} form; UseNumber keeps integer bounds
	// in the schema exact.
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return schema.Validate(decoded)
}

// Schema returns the embedded challenge descriptor schema for the
// `schema` subcommand.
func Schema() []byte {
	return schemaJSON
}
