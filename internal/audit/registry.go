package audit

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/labkeeper/labkeeper/internal/pathmatch"
	"github.com/labkeeper/labkeeper/internal/shared"
)

// Operation describes a sensitive operation.
type Operation struct {
	Name     string
	Resource string
	Level    Level
}

// SensitiveOperation is the policy-file form of a registry entry.
type SensitiveOperation struct {
	Method    string `yaml:"method"`
	Path      string `yaml:"path"`
	Kind      string `yaml:"kind,omitempty"`
	Segments  int    `yaml:"segments,omitempty"`
	Operation string `yaml:"operation"`
	Resource  string `yaml:"resource"`
	Level     string `yaml:"level"`
}

// Registry classifies requests against the sensitive-operation table. It uses
// the same matching rules as the permission path rules but its own table.
type Registry struct {
	table *pathmatch.Table[Operation]
}

// LoadRegistry decodes the sensitive_operations section of a policy document.
func LoadRegistry(r io.Reader) (*Registry, error) {
	var doc struct {
		Operations []SensitiveOperation `yaml:"sensitive_operations"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decode sensitive operations: %v", shared.ErrConfiguration, err)
	}
	return NewRegistry(doc.Operations)
}

// NewRegistry compiles ops.
func NewRegistry(ops []SensitiveOperation) (*Registry, error) {
	rules := make([]pathmatch.Rule[Operation], 0, len(ops))
	for i, op := range ops {
		level, ok := ParseLevel(strings.ToLower(strings.TrimSpace(op.Level)))
		if !ok {
			return nil, fmt.Errorf("%w: sensitive operation %d has unknown level %q", shared.ErrConfiguration, i, op.Level)
		}
		name := strings.TrimSpace(op.Operation)
		if name == "" {
			return nil, fmt.Errorf("%w: sensitive operation %d has no name", shared.ErrConfiguration, i)
		}
		kind, err := pathmatch.ParseKind(op.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrConfiguration, err)
		}
		method := op.Method
		if method == "" {
			method = pathmatch.AnyMethod
		}
		rules = append(rules, pathmatch.Rule[Operation]{
			Method:   method,
			Pattern:  op.Path,
			Kind:     kind,
			Segments: op.Segments,
			Value:    Operation{Name: name, Resource: strings.TrimSpace(op.Resource), Level: level},
		})
	}
	table, err := pathmatch.Compile(rules)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrConfiguration, err)
	}
	return &Registry{table: table}, nil
}

// Classify looks up the operation for method and path.
func (r *Registry) Classify(method, path string) (Operation, map[string]string, bool) {
	if r == nil {
		return Operation{}, nil, false
	}
	m, ok := r.table.Lookup(method, path)
	if !ok {
		return Operation{}, nil, false
	}
	return m.Value, m.Params, true
}

// Len reports the number of registered operations.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return r.table.Len()
}
