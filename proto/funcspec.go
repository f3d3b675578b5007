package proto

import (
	"errors"
	"fmt"
	"strings"
)

// FunctionSpec describes one callable function a device exposes. Purely
// descriptive metadata: the hub relays it to dashboards, never executes it.
type FunctionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Category    string      `json:"category,omitempty"`
	Parameters  []ParamSpec `json:"parameters,omitempty"`
	Cooldown    float64     `json:"cooldown,omitempty"` // seconds
}

type ParamSpec struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"` // string, number, boolean, select
	Required     bool     `json:"required,omitempty"`
	Description  string   `json:"description,omitempty"`
	DefaultValue any      `json:"defaultValue,omitempty"`
	Options      []string `json:"options,omitempty"` // select only
	Min          *float64 `json:"min,omitempty"`     // number only
	Max          *float64 `json:"max,omitempty"`
}

var validParamTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"select":  true,
}

func (f *FunctionSpec) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return errors.New("function name is required")
	}
	for _, p := range f.Parameters {
		if err := p.Validate(f.Name); err != nil {
			return err
		}
	}
	return nil
}

func (p *ParamSpec) Validate(function string) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("function %q has a parameter with no name", function)
	}
	if !validParamTypes[p.Type] {
		return fmt.Errorf("invalid parameter type %q at %s.%s", p.Type, function, p.Name)
	}
	if p.Type == "select" && len(p.Options) == 0 {
		return fmt.Errorf("select parameter %s.%s must define non-empty options", function, p.Name)
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return fmt.Errorf("parameter %s.%s has min greater than max", function, p.Name)
	}
	return nil
}
