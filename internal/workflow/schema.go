package workflow

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/refinement.json
var refinementSchemaJSON []byte

func compileRefinementSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("refinement.json", bytes.NewReader(refinementSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add refinement schema: %w", err)
	}
	schema, err := compiler.Compile("refinement.json")
	if err != nil {
		return nil, fmt.Errorf("compile refinement schema: %w", err)
	}
	return schema, nil
}
