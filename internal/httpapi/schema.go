package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const requestSchemaURL = "https://promode.local/schemas/pro-mode-request.json"

// requestSchemaTemplate is completed with the current generation cap.
const requestSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt", "num_gens"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "num_gens": {"type": "integer", "minimum": 1, "maximum": %d}
  }
}`

// compileRequestSchema builds the request validator for maxGenerations.
func compileRequestSchema(maxGenerations int) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	src := fmt.Sprintf(requestSchemaTemplate, maxGenerations)
	if err := compiler.AddResource(requestSchemaURL, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	schema, err := compiler.Compile(requestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return schema, nil
}

// errMalformedBody marks bodies that are not a JSON object.
var errMalformedBody = errors.New("request body must be a JSON object")

type proModeRequest struct {
	Prompt  string `json:"prompt"`
	NumGens int    `json:"num_gens"`
}

// decodeRequest parses and validates a pro-mode body. numGenerations is
// accepted as an alias of num_gens. Syntax errors wrap errMalformedBody;
// schema violations are returned as *jsonschema.ValidationError.
func decodeRequest(schema *jsonschema.Schema, body []byte) (proModeRequest, error) {
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || doc == nil {
		if err == nil {
			err = errors.New("null body")
		}
		return proModeRequest{}, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if _, ok := doc["num_gens"]; !ok {
		if alias, ok := doc["numGenerations"]; ok {
			doc["num_gens"] = alias
		}
	}
	if err := schema.Validate(doc); err != nil {
		return proModeRequest{}, err
	}

	var req proModeRequest
	req.Prompt, _ = doc["prompt"].(string)
	if n, ok := doc["num_gens"].(json.Number); ok {
		// the schema already guarantees an integral value in range
		v, err := n.Float64()
		if err != nil {
			return proModeRequest{}, fmt.Errorf("%w: num_gens: %v", errMalformedBody, err)
		}
		req.NumGens = int(v)
	}
	return req, nil
}
