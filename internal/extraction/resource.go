package extraction

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hengadev/errsx"

	"github.com/ehr/phiextract/internal/platform/schema"
)

// RawRow is one record as returned by a Fetcher, tagged with the requested
// identifier it was fetched for.
type RawRow struct {
	ID     string
	Values map[string]any
}

// Fetcher is the records-store collaborator. Implementations select only the
// requested fields, return at most one row per identifier, omit identifiers
// that do not exist and return timestamps anchored to an absolute instant.
type Fetcher interface {
	Fetch(ctx context.Context, by By, ids []string, fields []string) ([]RawRow, error)
}

// DeriveEnv is the context available to derived-field functions.
type DeriveEnv struct {
	Now      time.Time
	Location *time.Location
}

// Derivation computes a field from other fetched fields. Compute returns nil
// when its inputs are missing; schema validation then decides whether that
// is acceptable.
type Derivation struct {
	DependsOn []string
	Compute   func(values map[string]any, env DeriveEnv) any
}

// Resource is an extraction target: a schema, a fetcher and the rules that
// connect requested fields to fetched columns.
type Resource struct {
	Name    string
	Schema  *schema.Schema
	Fetcher Fetcher

	// IDColumns names the identifier column emitted for each supported
	// dimension.
	IDColumns map[By]string
	Derived   map[string]Derivation
	// Requires restricts fields to a single dimension.
	Requires map[string]By
}

// Check verifies that every name the resource refers to is declared in its
// schema.
func (r *Resource) Check() error {
	errs := errsx.Map{}
	if r.Name == "" {
		errs.Set("name", "resource name is required")
	}
	if r.Schema == nil {
		errs.Set("schema", "schema is required")
		return errs.AsError()
	}
	if r.Fetcher == nil {
		errs.Set("fetcher", "fetcher is required")
	}
	if len(r.IDColumns) == 0 {
		errs.Set("id_columns", "at least one dimension is required")
	}
	for by, col := range r.IDColumns {
		if !by.Valid() {
			errs.Set("id_columns", fmt.Sprintf("unknown dimension %q", by))
		}
		if !r.Schema.Has(col) {
			errs.Set(col, "identifier column is not declared in the schema")
		}
	}
	for name, d := range r.Derived {
		if !r.Schema.Has(name) {
			errs.Set(name, "derived field is not declared in the schema")
		}
		if d.Compute == nil {
			errs.Set(name, "derived field has no compute function")
		}
		for _, dep := range d.DependsOn {
			if !r.Schema.Has(dep) {
				errs.Set(name, fmt.Sprintf("dependency %s is not declared in the schema", dep))
			}
			if _, nested := r.Derived[dep]; nested {
				errs.Set(name, fmt.Sprintf("dependency %s is itself derived", dep))
			}
		}
	}
	for name, by := range r.Requires {
		if !r.Schema.Has(name) {
			errs.Set(name, "restricted field is not declared in the schema")
		}
		if _, ok := r.IDColumns[by]; !ok {
			errs.Set(name, fmt.Sprintf("restricted to unsupported dimension %q", by))
		}
	}
	return errs.AsError()
}

// WithSchema returns a copy of r that validates against s.
func (r *Resource) WithSchema(s *schema.Schema) (*Resource, error) {
	cp := *r
	cp.Schema = s
	if err := cp.Check(); err != nil {
		return nil, fmt.Errorf("schema override for %s: %w", r.Name, err)
	}
	return &cp, nil
}

// Supports reports whether the resource can be fetched by the dimension.
func (r *Resource) Supports(by By) bool {
	_, ok := r.IDColumns[by]
	return ok
}

// Dimensions lists supported dimensions in a stable order.
func (r *Resource) Dimensions() []By {
	out := make([]By, 0, len(r.IDColumns))
	for by := range r.IDColumns {
		out = append(out, by)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Registry maps resource names to resources.
type Registry struct {
	resources map[string]*Resource
}

// NewRegistry checks and registers resources.
func NewRegistry(resources ...*Resource) (*Registry, error) {
	reg := &Registry{resources: make(map[string]*Resource, len(resources))}
	for _, r := range resources {
		if err := r.Check(); err != nil {
			return nil, fmt.Errorf("resource %q: %w", r.Name, err)
		}
		if _, dup := reg.resources[r.Name]; dup {
			return nil, fmt.Errorf("resource %q registered twice", r.Name)
		}
		reg.resources[r.Name] = r
	}
	return reg, nil
}

// Lookup returns the resource registered under name.
func (r *Registry) Lookup(name string) (*Resource, bool) {
	res, ok := r.resources[name]
	return res, ok
}

// Names returns registered resource names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
