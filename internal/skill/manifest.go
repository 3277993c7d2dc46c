// Package skill loads and validates skill manifests, scans sources for
// forbidden constructs, and defines the contracts to the external transpiler
// and interpreter.
package skill

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/skillfence/skillfence/internal/trust"
)

var validate = validator.New()

// Manifest describes a skill. It arrives either as a standalone YAML document
// alongside a source file, or as a front-matter block prefixing a
// source-carrying document.
type Manifest struct {
	Name         string         `yaml:"name" json:"name" validate:"required"`
	Description  string         `yaml:"description" json:"description"`
	Version      string         `yaml:"version" json:"version"`
	TrustLevel   string         `yaml:"trust_level" json:"trust_level" validate:"omitempty,oneof=none network read llm write shell full"`
	Capabilities []string       `yaml:"capabilities" json:"capabilities"`
	InputSchema  map[string]any `yaml:"input_schema" json:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema" json:"output_schema"`

	// Source references the source file for standalone manifests; for
	// front-matter documents the body is the source and this stays empty.
	Source string `yaml:"source" json:"source"`
}

// Skill is a loaded, validated, compiled skill.
type Skill struct {
	Manifest Manifest
	Path     string
	Source   string
	Program  *Program
	Level    trust.Level

	inputSchema  *gojsonschema.Schema
	outputSchema *gojsonschema.Schema
}

// forbiddenConstructs refuse sources that reach for the host language's
// escape hatches. The transpiler rejects these too; this scan keeps the
// loader safe against transpiler drift.
var forbiddenConstructs = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`\beval\s*\(`), "eval"},
	{regexp.MustCompile(`\bFunction\s*\(`), "Function constructor"},
	{regexp.MustCompile(`\brequire\s*\(`), "require"},
	{regexp.MustCompile(`\bimport\s*[( ]`), "import"},
	{regexp.MustCompile(`\.constructor\b`), "constructor access"},
	{regexp.MustCompile(`\bconstructor\s*\[`), "constructor access"},
	{regexp.MustCompile(`__proto__`), "prototype access"},
	{regexp.MustCompile(`\bprototype\b`), "prototype access"},
	{regexp.MustCompile(`\bglobalThis\b`), "global object access"},
	{regexp.MustCompile(`\bclass\s+[A-Za-z_]`), "class declaration"},
}

// ScanSource rejects sources containing forbidden constructs.
func ScanSource(source string) error {
	for _, fc := range forbiddenConstructs {
		if fc.re.MatchString(source) {
			return fmt.Errorf("forbidden construct: %s", fc.reason)
		}
	}
	return nil
}

// ParseManifest decodes and validates a standalone YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &m, nil
}

// ParseFrontMatter splits a source-carrying document into its manifest block
// and source body. The document must open with "---" and close the block with
// a second "---" line.
func ParseFrontMatter(doc string) (*Manifest, string, error) {
	trimmed := strings.TrimLeft(doc, "\uFEFF")
	if !strings.HasPrefix(trimmed, "---\n") && trimmed != "---" {
		return nil, "", fmt.Errorf("front matter: missing opening delimiter")
	}
	rest := strings.TrimPrefix(trimmed, "---\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return nil, "", fmt.Errorf("front matter: missing closing delimiter")
	}
	head := rest[:idx]
	body := rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	m, err := ParseManifest([]byte(head))
	if err != nil {
		return nil, "", err
	}
	return m, body, nil
}

// ResolveLevel returns the manifest's declared level, or infers one from the
// capability tags when the declaration is absent.
func (m *Manifest) ResolveLevel() (trust.Level, error) {
	if m.TrustLevel != "" {
		return trust.ParseLevel(m.TrustLevel)
	}
	return trust.InferLevel(m.Capabilities), nil
}

// compileSchemas builds the JSON schema validators declared by the manifest.
func (s *Skill) compileSchemas() error {
	if s.Manifest.InputSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.Manifest.InputSchema))
		if err != nil {
			return fmt.Errorf("input schema: %w", err)
		}
		s.inputSchema = schema
	}
	if s.Manifest.OutputSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.Manifest.OutputSchema))
		if err != nil {
			return fmt.Errorf("output schema: %w", err)
		}
		s.outputSchema = schema
	}
	return nil
}

// ValidateInput checks call arguments against the declared input schema.
// A skill with no schema accepts anything.
func (s *Skill) ValidateInput(args map[string]any) error {
	if s.inputSchema == nil {
		return nil
	}
	result, err := s.inputSchema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("input validation: %w", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("input invalid: %s", strings.Join(details, "; "))
	}
	return nil
}

// ValidateOutput checks a produced value against the declared output schema.
func (s *Skill) ValidateOutput(value any) error {
	if s.outputSchema == nil {
		return nil
	}
	result, err := s.outputSchema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fmt.Errorf("output validation: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("output invalid")
	}
	return nil
}
