package extraction

import (
	"fmt"
	"strings"
)

// By is the dimension identifiers are given in.
type By string

const (
	ByCases    By = "cases"
	ByPatients By = "patients"
)

// Valid reports whether b is a known dimension.
func (b By) Valid() bool {
	return b == ByCases || b == ByPatients
}

// ParseBy parses a dimension name.
func ParseBy(s string) (By, error) {
	b := By(strings.ToLower(strings.TrimSpace(s)))
	if !b.Valid() {
		return "", fmt.Errorf("%w: by must be %q or %q", ErrInvalidRequest, ByCases, ByPatients)
	}
	return b, nil
}

// Request is one extraction invocation.
type Request struct {
	Resource string
	By       By
	IDs      []string
	Fields   []string
	// OutputHashSalt hashes identifiers in the output. Empty leaves them in
	// clear text. It is never derived from the audit salt.
	OutputHashSalt string
	Actor          string
}

// plan is a validated request resolved against its resource.
type plan struct {
	resource *Resource
	idColumn string
	// fetch lists non-derived requested fields followed by derivation inputs.
	fetch []string
	// columns is the output layout: the identifier column, then the requested
	// fields in request order.
	columns []string
	// hashed lists output columns holding identifiers.
	hashed []string
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (p *Pipeline) planRequest(req Request) (*plan, error) {
	res, ok := p.registry.Lookup(req.Resource)
	if !ok {
		return nil, invalid("unknown resource %q", req.Resource)
	}
	if !req.By.Valid() {
		return nil, invalid("unknown dimension %q", req.By)
	}
	idColumn, ok := res.IDColumns[req.By]
	if !ok {
		return nil, invalid("resource %s does not support by=%s", res.Name, req.By)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, invalid("actor is required")
	}
	if len(req.IDs) == 0 {
		return nil, invalid("at least one identifier is required")
	}
	for i, id := range req.IDs {
		if strings.TrimSpace(id) == "" {
			return nil, invalid("identifier at position %d is empty", i)
		}
	}
	if len(req.Fields) == 0 {
		return nil, invalid("at least one field is required")
	}

	seen := make(map[string]struct{}, len(req.Fields))
	for _, f := range req.Fields {
		if _, dup := seen[f]; dup {
			return nil, invalid("field %s requested more than once", f)
		}
		seen[f] = struct{}{}
		if !res.Schema.Has(f) {
			return nil, invalid("unknown field %s for resource %s", f, res.Name)
		}
		if need, restricted := res.Requires[f]; restricted && need != req.By {
			return nil, invalid("field %s requires by=%s", f, need)
		}
	}

	pl := &plan{resource: res, idColumn: idColumn}
	inFetch := make(map[string]struct{})
	addFetch := func(name string) {
		if _, ok := inFetch[name]; !ok {
			inFetch[name] = struct{}{}
			pl.fetch = append(pl.fetch, name)
		}
	}
	for _, f := range req.Fields {
		if _, derived := res.Derived[f]; !derived {
			addFetch(f)
		}
	}
	for _, f := range req.Fields {
		for _, dep := range res.Derived[f].DependsOn {
			addFetch(dep)
		}
	}

	if _, requested := seen[idColumn]; !requested {
		pl.columns = append(pl.columns, idColumn)
	}
	pl.columns = append(pl.columns, req.Fields...)
	pl.hashed = append(pl.hashed, idColumn)
	for _, f := range req.Fields {
		if field, _ := res.Schema.Field(f); field.Identifier && f != idColumn {
			pl.hashed = append(pl.hashed, f)
		}
	}
	return pl, nil
}
