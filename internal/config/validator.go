package config

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wesleyorama2/volley/internal/protocol"
)

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodOptions: true,
}

// Validate checks the parts of the simulation that the protocol builder does
// not see: the load profile and the scenario.
//
// Returns nil if valid, or a *protocol.ConfigError listing every problem.
func (s *Simulation) Validate() error {
	errs := &protocol.ConfigError{}
	s.validate(errs)
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func (s *Simulation) validate(errs *protocol.ConfigError) {
	validateLoad(&s.Load, errs)

	if len(s.Scenario.Steps) == 0 {
		errs.Add("scenario.steps", "at least one step is required")
	}
	for i := range s.Scenario.Steps {
		validateStep(fmt.Sprintf("scenario.steps[%d]", i), &s.Scenario.Steps[i], errs)
	}

	if s.Protocol.BasicAuth != nil && s.Protocol.BasicAuth.Username == "" {
		errs.Add("protocol.basicAuth.username", "username is required")
	}
	if ws := s.Protocol.WS; ws != nil {
		for i, r := range ws.AutoReply {
			if r.Match == "" {
				errs.Add(fmt.Sprintf("protocol.ws.autoReply[%d].match", i), "match text is required")
			}
		}
	}
}

func validateLoad(l *LoadProfileConfig, errs *protocol.ConfigError) {
	if l.Users < 1 {
		errs.Add("load.users", "users must be greater than 0")
	}
	if l.Iterations < 0 {
		errs.Add("load.iterations", "iterations cannot be negative")
	}
	if l.Iterations == 0 && l.Duration == 0 {
		errs.Add("load", "either iterations or duration must be specified")
	}
	if l.Duration < 0 || l.RampUp < 0 || l.Pacing < 0 || l.GracefulStop < 0 {
		errs.Add("load", "durations cannot be negative")
	}
}

func validateStep(prefix string, st *StepConfig, errs *protocol.ConfigError) {
	switch st.kind() {
	case StepHTTP:
		if st.URL == "" {
			errs.Add(prefix+".url", "url is required")
		}
		method := strings.ToUpper(st.Method)
		if method != "" && !validMethods[method] {
			errs.Add(prefix+".method", fmt.Sprintf("invalid method: %s", st.Method))
		}
	case StepGroup:
		if st.Name == "" {
			errs.Add(prefix+".name", "group name is required")
		}
		if len(st.Steps) == 0 {
			errs.Add(prefix+".steps", "a group needs at least one step")
		}
		for i := range st.Steps {
			validateStep(fmt.Sprintf("%s.steps[%d]", prefix, i), &st.Steps[i], errs)
		}
	case StepPause:
		if st.Pause <= 0 {
			errs.Add(prefix+".pause", "pause must be positive")
		}
	case StepWS, StepSSE:
		if st.URL == "" {
			errs.Add(prefix+".url", "url is required")
		}
		for i, a := range st.Actions {
			ap := fmt.Sprintf("%s.actions[%d]", prefix, i)
			if a.Send != "" && st.kind() == StepSSE {
				errs.Add(ap+".send", "server-sent events streams cannot send")
			}
			if a.Await < 0 {
				errs.Add(ap+".await", "await cannot be negative")
			}
			if a.Send == "" && a.Await == 0 {
				errs.Add(ap, "an action must send or await")
			}
		}
	default:
		errs.Add(prefix+".kind", fmt.Sprintf("unknown step kind: %s", st.Kind))
	}
}
