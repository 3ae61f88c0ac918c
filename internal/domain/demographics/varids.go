package demographics

import (
	"fmt"
	"strings"
)

// Observation variable ids in the decimal observation table.
var varIDs = map[string]int{
	"BODY_WEIGHT": 6,
	"BODY_HEIGHT": 7,
}

// VarID returns the variable id registered under name.
func VarID(name string) (int, error) {
	id, ok := varIDs[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("unknown observation variable %q", name)
	}
	return id, nil
}

// observationFields maps output fields to the variable they read.
var observationFields = map[string]string{
	"patient_body_weight": "BODY_WEIGHT",
	"patient_body_height": "BODY_HEIGHT",
}
