package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed campaign.schema.json
var campaignSchemaSource string

const campaignSchemaURL = "campaign.schema.json"

var campaignSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(campaignSchemaURL, strings.NewReader(campaignSchemaSource)); err != nil {
		return nil, fmt.Errorf("invalid campaign schema: %w", err)
	}
	schema, err := compiler.Compile(campaignSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid campaign schema: %w", err)
	}
	return schema, nil
})

// CheckCampaignSchema validates a YAML or JSON campaign document against the
// campaign schema. Violations are returned as ValidationErrors, one per
// offending location.
func CheckCampaignSchema(data []byte) error {
	schema, err := campaignSchema()
	if err != nil {
		return err
	}

	// JSON is a subset of YAML, so both formats go through the YAML decoder
	// and are normalized into JSON values.
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse campaign: %w", err)
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to parse campaign: %w", err)
	}
	var instance interface{}
	decoder := json.NewDecoder(bytes.NewReader(normalized))
	decoder.UseNumber()
	if err := decoder.Decode(&instance); err != nil {
		return fmt.Errorf("failed to parse campaign: %w", err)
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}

	errs := &ValidationErrors{}
	for _, leaf := range leaves(verr) {
		field := strings.TrimPrefix(leaf.InstanceLocation, "/")
		errs.Add(strings.ReplaceAll(field, "/", "."), leaf.Message)
	}
	sort.SliceStable(errs.Errors, func(i, j int) bool { return errs.Errors[i].Field < errs.Errors[j].Field })
	return errs
}

func leaves(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var out []*jsonschema.ValidationError
	for _, c := range e.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
