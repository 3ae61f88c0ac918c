package schema

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/ehr/phiextract/internal/platform/civiltime"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("row failed validation")

// Rule names reported in ValidationError.Rule.
const (
	RuleUnknownField = "unknown_field"
	RuleRequired     = "required"
	RuleNotNull      = "not_null"
	RuleType         = "type"
	RuleTimestamp    = "timestamp"
	RuleEnum         = "enum"
	RuleMin          = "min"
	RuleMax          = "max"
)

// ValidationError describes why a row was rejected. Detail names the
// constraint and the Go type seen, never the offending value.
type ValidationError struct {
	Field  string
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %s: %s: %s", e.Field, e.Rule, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Row maps field names to values.
type Row map[string]any

// Validator checks rows against a schema. Timestamps are rendered in Target;
// naive timestamp strings are read as Source wall-clock time.
type Validator struct {
	Source *time.Location
	Target *time.Location
}

// Validate checks the requested fields of raw against s and returns a new row
// containing exactly those fields, normalized. Any other key in raw is
// dropped. The first violation rejects the row.
func (v Validator) Validate(raw Row, s *Schema, fields []string) (Row, error) {
	out := make(Row, len(fields))
	for _, name := range fields {
		f, ok := s.Field(name)
		if !ok {
			return nil, &ValidationError{Field: name, Rule: RuleUnknownField, Detail: "field is not declared"}
		}
		value, present := raw[name]
		if !present {
			return nil, &ValidationError{Field: name, Rule: RuleRequired, Detail: "field missing from row"}
		}
		norm, err := v.validateField(f, value)
		if err != nil {
			return nil, err
		}
		out[name] = norm
	}
	return out, nil
}

func (v Validator) validateField(f Field, value any) (any, error) {
	if value == nil {
		if f.Nullable {
			return nil, nil
		}
		return nil, &ValidationError{Field: f.Name, Rule: RuleNotNull, Detail: "null value for non-nullable field"}
	}

	switch f.Kind {
	case KindString:
		return validateString(f, value)
	case KindNumber:
		return validateNumber(f, value)
	case KindBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, typeError(f, value)
		}
		return b, nil
	case KindTimestamp:
		target := v.Target
		if target == nil {
			target = time.UTC
		}
		iso, err := civiltime.ToCivilISO(value, v.Source, target)
		if err != nil {
			return nil, &ValidationError{Field: f.Name, Rule: RuleTimestamp, Detail: "value is not an absolute instant"}
		}
		return iso, nil
	case KindDate:
		d, err := civiltime.FormatDate(value)
		if err != nil {
			return nil, &ValidationError{Field: f.Name, Rule: RuleTimestamp, Detail: "value is not a calendar date"}
		}
		return d, nil
	default:
		return nil, &ValidationError{Field: f.Name, Rule: RuleType, Detail: "field has no kind"}
	}
}

func validateString(f Field, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, typeError(f, value)
	}
	if len(f.Normalize) > 0 {
		if mapped, ok := f.Normalize[strings.ToLower(strings.TrimSpace(s))]; ok {
			s = mapped
		} else if f.Default != nil {
			s = *f.Default
		}
	}
	if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
		return nil, &ValidationError{Field: f.Name, Rule: RuleEnum, Detail: fmt.Sprintf("value not in allowed set %v", f.Enum)}
	}
	return s, nil
}

func validateNumber(f Field, value any) (any, error) {
	n, ok := toFloat(value)
	if !ok {
		return nil, typeError(f, value)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, &ValidationError{Field: f.Name, Rule: RuleType, Detail: "number is not finite"}
	}
	if f.Min != nil && n < *f.Min {
		return nil, &ValidationError{Field: f.Name, Rule: RuleMin, Detail: fmt.Sprintf("below minimum %g", *f.Min)}
	}
	if f.Max != nil && n > *f.Max {
		return nil, &ValidationError{Field: f.Name, Rule: RuleMax, Detail: fmt.Sprintf("above maximum %g", *f.Max)}
	}
	return n, nil
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func typeError(f Field, value any) error {
	return &ValidationError{
		Field:  f.Name,
		Rule:   RuleType,
		Detail: fmt.Sprintf("expected %s, got %T", f.Kind, value),
	}
}
