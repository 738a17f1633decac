package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenServoCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/control-table-v1.json
var controlTableSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("control-table-v1.json",
		strings.NewReader(controlTableSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("control-table-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateProfile(data []byte) error {
	var profile interface{}
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(profile); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// CheckLayout catches what the schema cannot: duplicate names, overlapping
// registers and groups naming unknown registers.
func CheckLayout(profile *types.ControlTableProfile) error {
	byName := make(map[string]types.RegisterDefinition, len(profile.Registers))
	owner := make(map[int]string)

	for _, reg := range profile.Registers {
		if _, dup := byName[reg.Name]; dup {
			return fmt.Errorf("duplicate register %q", reg.Name)
		}
		byName[reg.Name] = reg

		for a := int(reg.Address); a < int(reg.Address)+reg.Size(); a++ {
			if other, taken := owner[a]; taken {
				return fmt.Errorf("register %q overlaps %q at address %d", reg.Name, other, a)
			}
			owner[a] = reg.Name
		}
	}

	for _, g := range profile.Groups {
		for _, name := range g.Registers {
			if _, ok := byName[name]; !ok {
				return fmt.Errorf("group %q references unknown register %q", g.Name, name)
			}
		}
	}
	return nil
}
