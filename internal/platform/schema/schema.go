// Package schema holds declarative field schemas and the generic validator
// that interprets them. A schema is data: a list of field descriptors, each
// tagged with a Kind and optional constraints.
package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/hengadev/errsx"
	"gopkg.in/yaml.v3"
)

// Kind is the value type a field must conform to.
type Kind int

const (
	KindString Kind = iota + 1
	KindNumber
	KindBoolean
	KindTimestamp
	KindDate
)

var kindNames = map[Kind]string{
	KindString:    "string",
	KindNumber:    "number",
	KindBoolean:   "boolean",
	KindTimestamp: "timestamp",
	KindDate:      "date",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name to its Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown field kind %q", s)
}

// UnmarshalYAML decodes a kind from its name.
func (k *Kind) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalYAML encodes a kind as its name.
func (k Kind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// Field describes one column of a resource.
type Field struct {
	Name        string `yaml:"name"`
	Kind        Kind   `yaml:"kind"`
	Description string `yaml:"description,omitempty"`

	// Nullable allows a present-but-null value through as null.
	Nullable bool `yaml:"nullable,omitempty"`
	// Identifier marks values that are hashed with the output salt.
	Identifier bool `yaml:"identifier,omitempty"`

	Enum []string `yaml:"enum,omitempty"`
	Min  *float64 `yaml:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty"`

	// Normalize maps trimmed, lower-cased source strings to canonical values.
	// Unmapped values become Default when it is set and are kept otherwise.
	Normalize map[string]string `yaml:"normalize,omitempty"`
	Default   *string           `yaml:"default,omitempty"`
}

// Schema is the ordered set of fields a resource can emit.
type Schema struct {
	Resource string  `yaml:"resource"`
	Fields   []Field `yaml:"fields"`

	index map[string]int
}

// New builds a Schema and checks that its definition is coherent.
func New(resource string, fields []Field) (*Schema, error) {
	s := &Schema{Resource: resource, Fields: fields}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) init() error {
	errs := errsx.Map{}
	if strings.TrimSpace(s.Resource) == "" {
		errs.Set("resource", "resource name is required")
	}
	if len(s.Fields) == 0 {
		errs.Set("fields", "at least one field is required")
	}

	s.index = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		key := fmt.Sprintf("fields[%d]", i)
		if f.Name == "" {
			errs.Set(key, "name is required")
			continue
		}
		if _, dup := s.index[f.Name]; dup {
			errs.Set(f.Name, "declared more than once")
			continue
		}
		s.index[f.Name] = i

		if _, ok := kindNames[f.Kind]; !ok {
			errs.Set(f.Name, "kind is required")
			continue
		}
		if f.Kind != KindString && (len(f.Enum) > 0 || len(f.Normalize) > 0 || f.Default != nil) {
			errs.Set(f.Name, fmt.Sprintf("enum and normalize apply to string fields only, not %s", f.Kind))
		}
		if f.Kind != KindNumber && (f.Min != nil || f.Max != nil) {
			errs.Set(f.Name, fmt.Sprintf("min and max apply to number fields only, not %s", f.Kind))
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			errs.Set(f.Name, "min is greater than max")
		}
		if f.Identifier && f.Kind != KindString {
			errs.Set(f.Name, "identifier fields must be strings")
		}
	}
	return errs.AsError()
}

// ParseYAML decodes and checks a schema document.
func ParseYAML(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("invalid schema %q: %w", s.Resource, err)
	}
	return &s, nil
}

// LoadFile reads a schema document from disk.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return ParseYAML(data)
}

// Field returns the descriptor for name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Has reports whether name is declared.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Names returns the declared field names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}
