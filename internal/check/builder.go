package check

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

// ErrNotFound is returned when an extractor finds nothing to validate.
var ErrNotFound = errors.New("not found")

// Extractor pulls a value from a response.
type Extractor func(resp *transport.Response) (value any, found bool, err error)

// Builder is an extractor-based check. Without a validation step it checks
// that the extractor found something.
type Builder struct {
	name     string
	extract  Extractor
	validate func(value any, found bool) error
	saveAs   string
	status   bool
	optional bool
}

var _ Check = (*Builder)(nil)

// New returns a check named name built on extract.
func New(name string, extract Extractor) *Builder {
	return &Builder{name: name, extract: extract}
}

func (b *Builder) clone() *Builder {
	c := *b
	return &c
}

// Name implements Check.
func (b *Builder) Name() string { return b.name }

func (b *Builder) checksStatus() bool { return b.status }

// Named renames the check.
func (b *Builder) Named(name string) *Builder {
	c := b.clone()
	c.name = name
	return c
}

// Exists passes when the extractor found a value.
func (b *Builder) Exists() *Builder {
	c := b.clone()
	c.validate = func(_ any, found bool) error {
		if !found {
			return ErrNotFound
		}
		return nil
	}
	return c
}

// NotExists passes when the extractor found nothing.
func (b *Builder) NotExists() *Builder {
	c := b.clone()
	c.validate = func(v any, found bool) error {
		if found {
			return fmt.Errorf("found %s, expected nothing", format(v))
		}
		return nil
	}
	return c
}

// Is passes when the extracted value equals want.
func (b *Builder) Is(want any) *Builder {
	c := b.clone()
	c.validate = func(v any, found bool) error {
		if !found {
			return fmt.Errorf("%w, expected %s", ErrNotFound, format(want))
		}
		if !equal(v, want) {
			return fmt.Errorf("found %s, expected %s", format(v), format(want))
		}
		return nil
	}
	return c
}

// In passes when the extracted value equals one of wants.
func (b *Builder) In(wants ...any) *Builder {
	c := b.clone()
	c.validate = func(v any, found bool) error {
		if !found {
			return fmt.Errorf("%w, expected one of %v", ErrNotFound, wants)
		}
		for _, want := range wants {
			if equal(v, want) {
				return nil
			}
		}
		return fmt.Errorf("found %s, expected one of %v", format(v), wants)
	}
	return c
}

// Between passes when the extracted number lies in [lo, hi].
func (b *Builder) Between(lo, hi float64) *Builder {
	c := b.clone()
	c.validate = func(v any, found bool) error {
		if !found {
			return ErrNotFound
		}
		n, ok := number(v)
		if !ok {
			return fmt.Errorf("found %s, expected a number", format(v))
		}
		if n < lo || n > hi {
			return fmt.Errorf("found %s, expected between %v and %v", format(v), lo, hi)
		}
		return nil
	}
	return c
}

// LessThan passes when the extracted value is below max. Durations compare
// as durations, everything else as numbers.
func (b *Builder) LessThan(max any) *Builder {
	c := b.clone()
	c.validate = func(v any, found bool) error {
		if !found {
			return ErrNotFound
		}
		got, ok1 := number(v)
		limit, ok2 := number(max)
		if !ok1 || !ok2 {
			return fmt.Errorf("cannot compare %s with %s", format(v), format(max))
		}
		if got >= limit {
			return fmt.Errorf("found %s, expected less than %s", format(v), format(max))
		}
		return nil
	}
	return c
}

// Satisfies passes when f returns nil for the extracted value.
func (b *Builder) Satisfies(f func(v any) error) *Builder {
	c := b.clone()
	c.validate = func(v any, found bool) error {
		if !found {
			return ErrNotFound
		}
		return f(v)
	}
	return c
}

// Optional makes the check pass when the extractor finds nothing.
func (b *Builder) Optional() *Builder {
	c := b.clone()
	c.optional = true
	return c
}

// SaveAs stores the extracted value in the session under key when the check
// passes.
func (b *Builder) SaveAs(key string) *Builder {
	c := b.clone()
	c.saveAs = key
	return c
}

// Apply implements Check.
func (b *Builder) Apply(resp *transport.Response, s session.Session) (session.Session, error) {
	v, found, err := b.extract(resp)
	if err != nil {
		return s, &Failure{Check: b.name, Err: err}
	}
	if !found && b.optional {
		return s, nil
	}

	validate := b.validate
	if validate == nil {
		validate = b.Exists().validate
	}
	if err := validate(v, found); err != nil {
		return s, &Failure{Check: b.name, Err: err}
	}
	if b.saveAs != "" && found {
		s = s.Set(b.saveAs, v)
	}
	return s, nil
}

func equal(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	if g, ok := number(got); ok {
		if w, ok := number(want); ok {
			return g == w
		}
	}
	return format(got) == format(want)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case []byte:
		return strconv.Quote(string(x))
	case nil:
		return "null"
	}
	return fmt.Sprint(v)
}
