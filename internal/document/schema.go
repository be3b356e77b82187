package document

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/deploystore/internal/syncerr"
)

//go:embed document.schema.json
var documentSchemaJSON []byte

const documentSchemaURL = "https://deploystore.local/schemas/document.schema.json"

var compileDocumentSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return CompileSchema(documentSchemaURL, documentSchemaJSON)
})

// CompileSchema compiles a single self-contained JSON schema.
func CompileSchema(url string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", url, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", url, err)
	}
	return c.Compile(url)
}

// ValidateJSON checks raw bytes against the document schema. Malformed JSON
// and structural mismatches are both reported as syncerr.ErrSchema.
func ValidateJSON(raw []byte) error {
	sch, err := compileDocumentSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return syncerr.Wrap(syncerr.ErrSchema, "decode document", err)
	}
	if err := sch.Validate(inst); err != nil {
		return syncerr.Wrap(syncerr.ErrSchema, "validate document", err)
	}
	return nil
}
