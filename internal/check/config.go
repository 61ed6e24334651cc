package check

import (
	"fmt"
	"strings"
	"time"
)

// Config is the declarative form of a check used in simulation files.
type Config struct {
	// Type is one of status, header, body, bodyContains, regex, jsonPath,
	// jmesPath, jsonSchema and responseTime.
	Type string `json:"type" yaml:"type"`

	// Expression is the header name, pattern, path or substring, depending on Type.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	Is           any    `json:"is,omitempty" yaml:"is,omitempty"`
	In           []any  `json:"in,omitempty" yaml:"in,omitempty"`
	Exists       *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
	LessThan     string `json:"lessThan,omitempty" yaml:"lessThan,omitempty"`
	SaveAs       string `json:"saveAs,omitempty" yaml:"saveAs,omitempty"`
	Schema       string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	ShortCircuit bool   `json:"shortCircuit,omitempty" yaml:"shortCircuit,omitempty"`
}

// FromConfig builds a check from its declarative form.
func FromConfig(c Config) (Check, error) {
	var b *Builder
	switch strings.ToLower(c.Type) {
	case "status":
		b = Status()
	case "header":
		if c.Expression == "" {
			return nil, fmt.Errorf("header check requires an expression")
		}
		b = Header(c.Expression)
	case "body":
		b = Body()
	case "bodycontains":
		b = BodyContains(c.Expression)
	case "regex":
		b = Regex(c.Expression)
	case "jsonpath":
		b = JSONPath(c.Expression)
	case "jmespath":
		b = JMESPath(c.Expression)
	case "responsetime":
		b = ResponseTime()
	case "jsonschema":
		if c.Schema == "" {
			return nil, fmt.Errorf("jsonSchema check requires a schema")
		}
		return wrap(JSONSchema(c.Schema), c.ShortCircuit), nil
	default:
		return nil, fmt.Errorf("unknown check type %q", c.Type)
	}

	switch {
	case c.Is != nil:
		b = b.Is(c.Is)
	case len(c.In) > 0:
		b = b.In(c.In...)
	case c.LessThan != "":
		if d, err := time.ParseDuration(c.LessThan); err == nil {
			b = b.LessThan(d)
		} else {
			b = b.LessThan(c.LessThan)
		}
	case c.Exists != nil && !*c.Exists:
		b = b.NotExists()
	case c.Exists != nil:
		b = b.Exists()
	}
	if c.SaveAs != "" {
		b = b.SaveAs(c.SaveAs)
	}
	if c.Name != "" {
		b = b.Named(c.Name)
	}
	return wrap(b, c.ShortCircuit), nil
}

func wrap(c Check, stop bool) Check {
	if stop {
		return ShortCircuit(c)
	}
	return c
}
