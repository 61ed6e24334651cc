package check

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmespath/go-jmespath"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

// Status checks the response status code.
func Status() *Builder {
	b := New("status", func(resp *transport.Response) (any, bool, error) {
		return resp.Status, true, nil
	})
	b.status = true
	return b
}

// Header checks the first value of a response header.
func Header(name string) *Builder {
	return New("header."+name, func(resp *transport.Response) (any, bool, error) {
		values := resp.Header.Values(name)
		if len(values) == 0 {
			return nil, false, nil
		}
		return values[0], true, nil
	})
}

// Body extracts the whole response body as a string.
func Body() *Builder {
	return New("body", func(resp *transport.Response) (any, bool, error) {
		return resp.BodyString(), len(resp.Body) > 0, nil
	})
}

// BodyContains passes when the body contains sub.
func BodyContains(sub string) *Builder {
	return New("body.contains", func(resp *transport.Response) (any, bool, error) {
		if strings.Contains(resp.BodyString(), sub) {
			return sub, true, nil
		}
		return nil, false, nil
	}).Exists()
}

// ResponseTime checks the elapsed time of the exchange.
func ResponseTime() *Builder {
	return New("responseTime", func(resp *transport.Response) (any, bool, error) {
		return resp.ResponseTime(), true, nil
	})
}

// Regex matches pattern against the body. The extracted value is the first
// capture group, or the whole match when the pattern has no group.
func Regex(pattern string) *Builder {
	re, compileErr := regexp.Compile(pattern)
	return New("regex", func(resp *transport.Response) (any, bool, error) {
		if compileErr != nil {
			return nil, false, compileErr
		}
		m := re.FindSubmatch(resp.Body)
		if m == nil {
			return nil, false, nil
		}
		if len(m) > 1 {
			return string(m[1]), true, nil
		}
		return string(m[0]), true, nil
	})
}

// JSONPath extracts a value with a JSONPath expression such as
// "$.users[0].name". Scalars are extracted as strings, numbers and booleans;
// objects and arrays as their raw JSON text.
func JSONPath(path string) *Builder {
	gpath := convertToGjsonPath(path)
	return New("jsonPath("+path+")", func(resp *transport.Response) (any, bool, error) {
		if len(resp.Body) == 0 {
			return nil, false, nil
		}
		if !gjson.ValidBytes(resp.Body) {
			return nil, false, fmt.Errorf("body is not valid JSON")
		}
		result := gjson.GetBytes(resp.Body, gpath)
		if !result.Exists() {
			return nil, false, nil
		}
		switch result.Type {
		case gjson.Null:
			return nil, true, nil
		case gjson.Number:
			if result.Num == float64(result.Int()) {
				return int(result.Int()), true, nil
			}
			return result.Num, true, nil
		case gjson.True, gjson.False:
			return result.Bool(), true, nil
		case gjson.String:
			return result.String(), true, nil
		}
		return result.Raw, true, nil
	})
}

// convertToGjsonPath converts a JSONPath expression to gjson syntax.
func convertToGjsonPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	// $['name'] and $["name"]
	path = strings.NewReplacer("['", ".", "']", "", "[\"", ".", "\"]", "").Replace(path)
	// [n] -> .n
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	return strings.TrimPrefix(path, ".")
}

// JMESPath extracts a value with a JMESPath expression.
func JMESPath(expr string) *Builder {
	compiled, compileErr := jmespath.Compile(expr)
	return New("jmesPath("+expr+")", func(resp *transport.Response) (any, bool, error) {
		if compileErr != nil {
			return nil, false, compileErr
		}
		if len(resp.Body) == 0 {
			return nil, false, nil
		}
		var data any
		if err := json.Unmarshal(resp.Body, &data); err != nil {
			return nil, false, fmt.Errorf("body is not valid JSON: %w", err)
		}
		v, err := compiled.Search(data)
		if err != nil {
			return nil, false, err
		}
		if v == nil {
			return nil, false, nil
		}
		if f, ok := v.(float64); ok && f == float64(int(f)) {
			return int(f), true, nil
		}
		return v, true, nil
	})
}

type schemaCheck struct {
	schema     *jsonschema.Schema
	compileErr error
}

// JSONSchema validates the body against a JSON schema document.
func JSONSchema(schema string) Check {
	compiler := jsonschema.NewCompiler()
	c := &schemaCheck{}
	if err := compiler.AddResource("schema.json", strings.NewReader(schema)); err != nil {
		c.compileErr = fmt.Errorf("invalid schema: %w", err)
		return c
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		c.compileErr = fmt.Errorf("invalid schema: %w", err)
		return c
	}
	c.schema = compiled
	return c
}

func (c *schemaCheck) Name() string { return "jsonSchema" }

func (c *schemaCheck) Apply(resp *transport.Response, s session.Session) (session.Session, error) {
	if c.compileErr != nil {
		return s, &Failure{Check: c.Name(), Err: c.compileErr}
	}
	var data any
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		return s, &Failure{Check: c.Name(), Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if err := c.schema.Validate(data); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return s, &Failure{Check: c.Name(), Err: validationErrors(verr)}
		}
		return s, &Failure{Check: c.Name(), Err: err}
	}
	return s, nil
}

// schemaErrors lists every leaf violation of a schema validation.
type schemaErrors []string

func (e schemaErrors) Error() string {
	return strings.Join(e, "; ")
}

func validationErrors(err *jsonschema.ValidationError) schemaErrors {
	var out schemaErrors
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 && e.Message != "" {
			out = append(out, fmt.Sprintf("at '%s': %s", e.InstanceLocation, e.Message))
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(err)
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}
