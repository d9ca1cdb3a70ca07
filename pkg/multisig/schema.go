package multisig

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// Per-target payload schemas. A manifest that does not validate against the
// schema for its target is rejected at submit time.
var payloadSchemas = map[Target]string{
	TargetPolicy: `{
		"type": "object",
		"required": ["policy_id", "to_state"],
		"properties": {
			"policy_id": {"type": "string", "minLength": 1},
			"to_state": {"enum": ["simulating", "canary", "active", "deprecated"]},
			"reason": {"type": "string"}
		},
		"additionalProperties": true
	}`,
	TargetArtifact: `{
		"type": "object",
		"required": ["artifact_ref"],
		"properties": {
			"artifact_ref": {"type": "string", "minLength": 1},
			"environment": {"type": "string"},
			"reason": {"type": "string"}
		},
		"additionalProperties": true
	}`,
	TargetSystem: `{
		"type": "object",
		"required": ["operation"],
		"properties": {
			"operation": {"enum": ["signer_remove", "config_change"]},
			"kid": {"type": "string"},
			"reason": {"type": "string"}
		},
		"additionalProperties": true
	}`,
}

var compiledSchemas = func() map[Target]*jsonschema.Schema {
	out := make(map[Target]*jsonschema.Schema, len(payloadSchemas))
	for target, raw := range payloadSchemas {
		c := jsonschema.NewCompiler()
		url := "inline://" + string(target) + ".json"
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("multisig: schema resource %s: %v", target, err))
		}
		out[target] = c.MustCompile(url)
	}
	return out
}()

// ValidatePayload checks the manifest payload against its target schema.
func ValidatePayload(target Target, payload map[string]any) error {
	schema, ok := compiledSchemas[target]
	if !ok {
		return errdefs.New(errdefs.KindValidation, "invalid_target",
			fmt.Sprintf("unknown upgrade target %q", target))
	}

	// Round-trip through JSON so numbers and nested maps take the shapes
	// the validator expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "invalid_payload", "payload not serializable", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "invalid_payload", "payload not deserializable", err)
	}

	if err := schema.Validate(doc); err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "invalid_payload",
			fmt.Sprintf("payload does not satisfy %s schema", target), err)
	}

	// signer_remove additionally needs the key id
	if target == TargetSystem {
		if op, _ := payload["operation"].(string); op == "signer_remove" {
			if kid, _ := payload["kid"].(string); kid == "" {
				return errdefs.New(errdefs.KindValidation, "invalid_payload",
					"signer_remove requires kid")
			}
		}
	}
	return nil
}
