// Package demographics is the patient and case demographics resource: its
// schema, derived ages and the records-store fetcher.
package demographics

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/ehr/phiextract/internal/extraction"
	"github.com/ehr/phiextract/internal/platform/schema"
)

// Name is the registry key of the resource.
const Name = "demographics"

//go:embed schema.yaml
var schemaYAML []byte

// Schema returns the built-in demographics schema.
func Schema() (*schema.Schema, error) {
	s, err := schema.ParseYAML(schemaYAML)
	if err != nil {
		return nil, fmt.Errorf("demographics schema: %w", err)
	}
	return s, nil
}

// NewResource wires the built-in schema, derivations and dimension rules
// around f.
func NewResource(f extraction.Fetcher) (*extraction.Resource, error) {
	s, err := Schema()
	if err != nil {
		return nil, err
	}
	r := &extraction.Resource{
		Name:    Name,
		Schema:  s,
		Fetcher: f,
		IDColumns: map[extraction.By]string{
			extraction.ByCases:    "case_number",
			extraction.ByPatients: "patient_id",
		},
		Derived: map[string]extraction.Derivation{
			"patient_age_today": {
				DependsOn: []string{"patient_date_of_birth"},
				Compute:   ageToday,
			},
			"patient_age_at_admission": {
				DependsOn: []string{"patient_date_of_birth", "case_admission_time"},
				Compute:   ageAtAdmission,
			},
		},
		Requires: map[string]extraction.By{
			"case_number":              extraction.ByCases,
			"case_admission_time":      extraction.ByCases,
			"case_discharge_time":      extraction.ByCases,
			"patient_age_at_admission": extraction.ByCases,
		},
	}
	if err := r.Check(); err != nil {
		return nil, fmt.Errorf("demographics resource: %w", err)
	}
	return r, nil
}

func ageToday(values map[string]any, env extraction.DeriveEnv) any {
	dob, ok := asDate(values["patient_date_of_birth"])
	if !ok {
		return nil
	}
	return age(dob, inZone(env.Now, env.Location))
}

func ageAtAdmission(values map[string]any, env extraction.DeriveEnv) any {
	dob, ok := asDate(values["patient_date_of_birth"])
	if !ok {
		return nil
	}
	admitted, ok := values["case_admission_time"].(time.Time)
	if !ok {
		return nil
	}
	return age(dob, inZone(admitted, env.Location))
}

// age counts completed years between dob and ref, by calendar date.
func age(dob, ref time.Time) int {
	years := ref.Year() - dob.Year()
	if ref.Month() < dob.Month() || (ref.Month() == dob.Month() && ref.Day() < dob.Day()) {
		years--
	}
	return years
}

func inZone(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}

// asDate accepts the date forms the store returns: a time.Time whose calendar
// fields are the date, or a YYYY-MM-DD string.
func asDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		if d.IsZero() {
			return time.Time{}, false
		}
		return d, true
	case string:
		if len(d) < len(time.DateOnly) {
			return time.Time{}, false
		}
		t, err := time.Parse(time.DateOnly, d[:len(time.DateOnly)])
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}
