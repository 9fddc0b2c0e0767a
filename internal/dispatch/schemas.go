package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/store"
)

// Per-kind parameter schemas. Validation failures surface as
// InvalidParams before a job row is ever written.
var kindSchemas = map[string]string{
	store.KindResearch: `{
		"type": "object",
		"required": ["query"],
		"properties": {
			"query": {"type": "string", "minLength": 1, "maxLength": 4000},
			"costPreference": {"enum": ["low", "high"]},
			"audienceLevel": {"enum": ["beginner", "intermediate", "expert"]},
			"outputFormat": {"enum": ["report", "briefing", "bullet_points"]},
			"includeSources": {"type": "boolean"},
			"images": {"type": "array"},
			"textDocuments": {"type": "array", "items": {"type": "string"}},
			"structuredData": {"type": "array"}
		},
		"additionalProperties": false
	}`,
	store.KindFollowup: `{
		"type": "object",
		"required": ["report_id", "question"],
		"properties": {
			"report_id": {"type": "integer", "minimum": 1},
			"question": {"type": "string", "minLength": 1, "maxLength": 4000},
			"costPreference": {"enum": ["low", "high"]}
		},
		"additionalProperties": false
	}`,
	store.KindBatch: `{
		"type": "object",
		"required": ["queries"],
		"properties": {
			"queries": {
				"type": "array",
				"minItems": 1,
				"maxItems": 10,
				"items": {"type": "string", "minLength": 1}
			},
			"costPreference": {"enum": ["low", "high"]},
			"waitForCompletion": {"type": "boolean"},
			"timeoutMs": {"type": "integer", "minimum": 1000, "maximum": 3600000}
		},
		"additionalProperties": false
	}`,
	store.KindIndex: `{
		"type": "object",
		"properties": {
			"source_type": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	store.KindIngest: `{
		"type": "object",
		"required": ["documents"],
		"properties": {
			"documents": {
				"type": "array",
				"minItems": 1,
				"maxItems": 500,
				"items": {
					"type": "object",
					"required": ["source_type", "source_id", "content"],
					"properties": {
						"source_type": {"type": "string", "minLength": 1},
						"source_id": {"type": "string", "minLength": 1},
						"title": {"type": "string"},
						"content": {"type": "string", "minLength": 1}
					},
					"additionalProperties": false
				}
			}
		},
		"additionalProperties": false
	}`,
}

// compileSchemas builds the per-kind validators once at construction.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for kind, raw := range kindSchemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", kind, err)
		}
		if err := compiler.AddResource(kind+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(kindSchemas))
	for kind := range kindSchemas {
		sch, err := compiler.Compile(kind + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = sch
	}
	return out, nil
}

// validate checks params against the kind's schema.
func (d *Dispatcher) validate(kind string, params json.RawMessage) error {
	sch, ok := d.schemas[kind]
	if !ok {
		return errs.Newf(errs.KindInvalidParams, "unknown job kind %q", kind)
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return errs.Wrap(errs.KindInvalidParams, "params are not valid JSON", err)
	}
	if err := sch.Validate(value); err != nil {
		return errs.Wrap(errs.KindInvalidParams, fmt.Sprintf("invalid %s params", kind), err)
	}
	return nil
}
