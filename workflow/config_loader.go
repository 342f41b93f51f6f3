package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flowpilot/shared"
	"gopkg.in/yaml.v3"
)

// LoadDefinitionFromJSON parses and validates a JSON workflow definition.
func LoadDefinitionFromJSON(data []byte) (*shared.WorkflowDefinition, error) {
	var def shared.WorkflowDefinition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition JSON: %w", err)
	}
	return finishLoad(&def)
}

// LoadDefinitionFromYAML parses and validates a YAML workflow definition.
func LoadDefinitionFromYAML(data []byte) (*shared.WorkflowDefinition, error) {
	var def shared.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition YAML: %w", err)
	}
	return finishLoad(&def)
}

// LoadDefinitionFile loads a definition from a .json, .yaml or .yml file.
func LoadDefinitionFile(path string) (*shared.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	var def *shared.WorkflowDefinition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		def, err = LoadDefinitionFromJSON(data)
	case ".yaml", ".yml":
		def, err = LoadDefinitionFromYAML(data)
	default:
		return nil, fmt.Errorf("definition %s: unsupported file extension", path)
	}
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	return def, nil
}

// IsDefinitionFile reports whether path has a definition file extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func finishLoad(def *shared.WorkflowDefinition) (*shared.WorkflowDefinition, error) {
	def.EnsureEdgeIDs()
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// SampleApprovalDefinitionYAML returns the expense approval workflow used
// by the CLI smoke run and the tests: start, an approval task assigned to
// the starter, a decision condition and an end node.
func SampleApprovalDefinitionYAML() string {
	return `id: expense-approval
version: 1
name: Expense approval
nodes:
  - id: start
    type: start
  - id: review
    type: approval
    name: Manager review
    config:
      assignee:
        type: starter
      title: "Review expense of {{ amount }}"
      priority: normal
  - id: decide
    type: condition
    config:
      expression: decision == "approved"
  - id: approved
    type: end
  - id: rejected
    type: end
edges:
  - source: start
    target: review
  - source: review
    target: decide
  - source: decide
    target: approved
    label: "true"
  - source: decide
    target: rejected
    label: "false"
`
}
