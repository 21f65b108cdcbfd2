package payload

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateSchema checks doc against a JSON Schema document. It returns the
// list of violations, or an error when the schema itself cannot be
// compiled.
func ValidateSchema(schema string, doc any) ([]Issue, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("payload.schema.json", strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("invalid payload schema: %w", err)
	}
	compiled, err := compiler.Compile("payload.schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid payload schema: %w", err)
	}
	err = compiled.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		ve = verr
	} else {
		return nil, err
	}
	var issues []Issue
	collectIssues(ve, &issues)
	if len(issues) == 0 {
		issues = append(issues, Issue{Location: ve.InstanceLocation, Message: ve.Message})
	}
	return issues, nil
}

func collectIssues(ve *jsonschema.ValidationError, out *[]Issue) {
	if len(ve.Causes) == 0 {
		*out = append(*out, Issue{Location: ve.InstanceLocation, Message: ve.Message})
		return
	}
	for _, cause := range ve.Causes {
		collectIssues(cause, out)
	}
}
