// Package check implements response checks: validations that pass or fail a
// response and may extract values into the session.
package check

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

// Check validates a response. A passing check may return a session carrying
// extracted values.
type Check interface {
	Name() string
	Apply(resp *transport.Response, s session.Session) (session.Session, error)
}

// Failure is the error of a failed check.
type Failure struct {
	Check string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Check, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

type shortCircuit struct {
	Check
}

// ShortCircuit marks c so that its failure stops evaluation of the checks
// declared after it.
func ShortCircuit(c Check) Check {
	return shortCircuit{c}
}

// IsShortCircuit reports whether c was marked with ShortCircuit.
func IsShortCircuit(c Check) bool {
	_, ok := c.(shortCircuit)
	return ok
}

// Run applies checks in order. Every check runs so extractions happen even
// after a failure, except that a failed short-circuit check ends the run.
// The returned error combines every failure.
func Run(checks []Check, resp *transport.Response, s session.Session) (session.Session, error) {
	var errs error
	for _, c := range checks {
		next, err := c.Apply(resp, s)
		if err != nil {
			var f *Failure
			if !errors.As(err, &f) {
				err = &Failure{Check: c.Name(), Err: err}
			}
			errs = multierr.Append(errs, err)
			if IsShortCircuit(c) {
				break
			}
			continue
		}
		s = next
	}
	return s, errs
}

// Failures splits a combined error returned by Run.
func Failures(err error) []error {
	return multierr.Errors(err)
}

// statusCheck is implemented by checks on the response status.
type statusCheck interface {
	checksStatus() bool
}

// HasStatus reports whether any of checks validates the status code.
func HasStatus(checks ...[]Check) bool {
	for _, list := range checks {
		for _, c := range list {
			if sc, ok := c.(shortCircuit); ok {
				c = sc.Check
			}
			if st, ok := c.(statusCheck); ok && st.checksStatus() {
				return true
			}
		}
	}
	return false
}

// DefaultStatus accepts 2xx responses up to 210 and 304. It applies when no
// status check is declared.
func DefaultStatus() Check {
	return Status().Named("status.default").Satisfies(func(v any) error {
		code, _ := v.(int)
		if (code >= 200 && code <= 210) || code == 304 {
			return nil
		}
		return fmt.Errorf("found %d, expected 2xx or 304", code)
	})
}
