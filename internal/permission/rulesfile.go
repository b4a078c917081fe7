package permission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// RulesFile is the on-disk format for the permission rule list. Rules
// are persisted in evaluation order, independent of the audit log.
type RulesFile struct {
	// Version guards against future format changes.
	Version int `json:"version" yaml:"version"`

	// Default is the action applied when no rule matches.
	Default Action `json:"default,omitempty" yaml:"default,omitempty"`

	// Rules are evaluated top to bottom; first match wins.
	Rules []Rule `json:"rules" yaml:"rules"`
}

var (
	rulesSchemaOnce sync.Once
	rulesSchema     *jsonschema.Schema
	rulesSchemaErr  error
)

// rulesFileSchema compiles the JSON Schema for RulesFile, reflected
// from the struct so the schema cannot drift from the code.
func rulesFileSchema() (*jsonschema.Schema, error) {
	rulesSchemaOnce.Do(func() {
		reflector := &invopop.Reflector{
			FieldNameTag:   "yaml",
			DoNotReference: true,
		}
		reflected := reflector.Reflect(&RulesFile{})
		raw, err := json.Marshal(reflected)
		if err != nil {
			rulesSchemaErr = err
			return
		}
		rulesSchema, rulesSchemaErr = jsonschema.CompileString("rules_file", string(raw))
	})
	return rulesSchema, rulesSchemaErr
}

// LoadRulesFile reads, schema-validates, and parses a YAML rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRulesFile(data)
}

// ParseRulesFile validates raw YAML against the reflected schema and
// decodes it. Validation happens on a generic decode so schema errors
// reference the document, not Go types.
func ParseRulesFile(data []byte) (*RulesFile, error) {
	schema, err := rulesFileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile rules schema: %w", err)
	}

	var generic any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if err := schema.Validate(normalizeYAML(generic)); err != nil {
		return nil, fmt.Errorf("rules file rejected by schema: %w", err)
	}

	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	if file.Default != "" && !file.Default.Valid() {
		return nil, fmt.Errorf("rules file: unknown default action %q", file.Default)
	}
	return &file, nil
}

// Engine builds an engine from the file's default action and rules.
func (f *RulesFile) Engine() (*Engine, error) {
	def := f.Default
	if def == "" {
		def = Ask
	}
	engine := NewEngine(def)
	if err := engine.Replace(f.Rules); err != nil {
		return nil, err
	}
	return engine, nil
}

// SaveRulesFile writes the rule list back in evaluation order.
func SaveRulesFile(path string, file *RulesFile) error {
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal rules file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write rules file: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3's map[string]any / []any trees into
// the JSON-compatible shapes the schema validator expects.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	case int:
		return float64(val)
	default:
		return val
	}
}
