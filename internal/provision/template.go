package provision

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nexusmarkets/nexus-deploy/internal/canonical"
)

// Template is the parsed shape of a CloudFormation template body. Templates
// are written in long form (Ref:, Fn::Sub:) so plain YAML parsing suffices.
type Template struct {
	FormatVersion string                       `yaml:"AWSTemplateFormatVersion"`
	Description   string                       `yaml:"Description"`
	Parameters    map[string]TemplateParameter `yaml:"Parameters"`
	Resources     map[string]TemplateResource  `yaml:"Resources"`
	Outputs       map[string]TemplateOutput    `yaml:"Outputs"`
}

type TemplateParameter struct {
	Type    string  `yaml:"Type"`
	Default *string `yaml:"Default"`
}

type TemplateResource struct {
	Type       string                 `yaml:"Type"`
	Properties map[string]interface{} `yaml:"Properties"`
}

type TemplateOutput struct {
	Description string         `yaml:"Description"`
	Value       interface{}    `yaml:"Value"`
	Export      TemplateExport `yaml:"Export"`
}

type TemplateExport struct {
	Name string `yaml:"Name"`
}

// ParseTemplate decodes a template body. A body that is not well-formed YAML
// or has no resources is a ValidationError.
func ParseTemplate(body []byte) (*Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(body, &tpl); err != nil {
		return nil, &ValidationError{Detail: fmt.Sprintf("parse template: %v", err)}
	}
	if len(tpl.Resources) == 0 {
		return nil, &ValidationError{Detail: "template declares no resources"}
	}
	for name, res := range tpl.Resources {
		if res.Type == "" {
			return nil, &ValidationError{Detail: fmt.Sprintf("resource %s has no Type", name)}
		}
	}
	return &tpl, nil
}

// ValidateParameters checks the supplied parameters against the template's
// declarations: every parameter must be declared, and every declared
// parameter without a default must be supplied. Names in errors are sorted so
// messages are stable.
func (t *Template) ValidateParameters(stack string, params map[string]string) error {
	var undeclared []string
	for name := range params {
		if _, ok := t.Parameters[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		sort.Strings(undeclared)
		return &ValidationError{Stack: stack, Detail: fmt.Sprintf("undeclared parameters %v", undeclared)}
	}

	var missing []string
	for name, decl := range t.Parameters {
		if decl.Default == nil {
			if _, ok := params[name]; !ok {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{Stack: stack, Detail: fmt.Sprintf("missing required parameters %v", missing)}
	}
	return nil
}

// Fingerprint identifies one (template, resolved parameters) application.
// Re-applying an identical fingerprint is by definition a no-op.
func Fingerprint(body []byte, params map[string]string) (string, error) {
	return canonical.Hash(map[string]interface{}{
		"template":   string(body),
		"parameters": params,
	})
}
