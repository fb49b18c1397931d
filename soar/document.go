package soar

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/playbook.schema.json
var playbookSchemaJSON []byte

var playbookSchema = mustLoadSchema(playbookSchemaJSON)

func mustLoadSchema(data []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("playbook schema: %v", err))
	}
	return s
}

// ParsePlaybookDocument decodes a YAML or JSON playbook, checks it against
// the playbook JSON schema and applies defaults. is_enabled defaults to true and max_retries to 3.
func ParsePlaybookDocument(data []byte) (*Playbook, error) {
	var doc interface{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty playbook document")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse playbook JSON: %w", err)
		}
	} else if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse playbook YAML: %w", err)
	}

	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("playbook document must be an object")
	}
	if _, set := obj["is_enabled"]; !set {
		obj["is_enabled"] = true
	}
	if _, set := obj["max_retries"]; !set {
		obj["max_retries"] = DefaultMaxRetries
	}

	result, err := playbookSchema.Validate(gojsonschema.NewGoLoader(obj))
	if err != nil {
		return nil, fmt.Errorf("failed to validate playbook document: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("playbook document does not match schema: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize playbook document: %w", err)
	}
	var pb Playbook
	if err := json.Unmarshal(raw, &pb); err != nil {
		return nil, fmt.Errorf("failed to decode playbook: %w", err)
	}
	pb.ApplyDefaults()
	return &pb, nil
}

// MarshalPlaybookYAML renders a playbook back to its document form
func MarshalPlaybookYAML(pb *Playbook) ([]byte, error) {
	raw, err := json.Marshal(pb)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	delete(generic, "created_at")
	delete(generic, "updated_at")
	return yaml.Marshal(generic)
}
