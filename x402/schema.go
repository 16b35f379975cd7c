package x402

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// requirementSchemaJSON is the contract extracted payment terms must meet
// before they are allowed anywhere near the signer: a destination, a token
// contract, and a positive integer amount under one of the two field names.
const requirementSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["payTo", "asset"],
	"properties": {
		"scheme": {"type": "string"},
		"network": {"type": "string"},
		"asset": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"payTo": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"amount": {"type": "string", "pattern": "^[0-9]+$"},
		"maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
		"maxTimeoutSeconds": {"type": "integer"},
		"extra": {"type": "object"}
	},
	"anyOf": [
		{"required": ["amount"]},
		{"required": ["maxAmountRequired"]}
	]
}`

var requirementSchema = mustCompileRequirementSchema()

func mustCompileRequirementSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(requirementSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid payment requirement schema: %v", err))
	}
	return schema
}

// ValidationResult represents the result of validating payment terms.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// ValidateRequirement checks extracted payment terms against the
// requirement schema.
func ValidateRequirement(req *PaymentRequirement) ValidationResult {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Failed to marshal requirement: %v", err)},
		}
	}

	result, err := requirementSchema.Validate(gojsonschema.NewBytesLoader(reqJSON))
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("Schema validation failed: %v", err)},
		}
	}

	if result.Valid() {
		return ValidationResult{Valid: true}
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return ValidationResult{
		Valid:  false,
		Errors: errors,
	}
}
