package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/runner"
	"github.com/wesleyorama2/volley/internal/scenario"
	"github.com/wesleyorama2/volley/internal/transport"
)

// ProtocolOptions converts the protocol section to protocol options.
// Invalid check definitions are reported in errs.
func (s *Simulation) ProtocolOptions(errs *protocol.ConfigError) []protocol.Option {
	pc := &s.Protocol
	var opts []protocol.Option

	if len(pc.BaseURLs) > 0 {
		opts = append(opts, protocol.WithBaseURLs(pc.BaseURLs...))
	}
	for k, v := range pc.Headers {
		opts = append(opts, protocol.WithHeader(k, v))
	}
	if pc.BasicAuth != nil {
		opts = append(opts, protocol.WithBasicAuth(pc.BasicAuth.Username, pc.BasicAuth.Password))
	}

	if pc.MaxConnectionsPerHost != 0 {
		opts = append(opts, protocol.WithMaxConnectionsPerHost(pc.MaxConnectionsPerHost))
	}
	if pc.MaxQueuedPerHost != 0 {
		opts = append(opts, protocol.WithMaxQueuedPerHost(pc.MaxQueuedPerHost))
	}
	if pc.HTTP2 {
		opts = append(opts, protocol.WithHTTP2(true))
	}
	for host, h2 := range pc.HTTP2PriorKnowledge {
		opts = append(opts, protocol.WithHTTP2PriorKnowledge(host, h2))
	}
	if len(pc.LocalAddresses) > 0 {
		opts = append(opts, protocol.WithLocalAddresses(pc.LocalAddresses...))
	}
	if pc.InsecureSkipVerify {
		opts = append(opts, protocol.WithInsecureSkipVerify(true))
	}
	if pc.RequestTimeout != 0 {
		opts = append(opts, protocol.WithRequestTimeout(pc.RequestTimeout.GetDuration(0)))
	}
	if pc.ConnectTimeout != 0 {
		opts = append(opts, protocol.WithConnectTimeout(pc.ConnectTimeout.GetDuration(0)))
	}

	if pc.AutoReferer != nil {
		opts = append(opts, protocol.WithAutoReferer(*pc.AutoReferer))
	}
	if pc.AutoOrigin != nil {
		opts = append(opts, protocol.WithAutoOrigin(*pc.AutoOrigin))
	}
	if pc.Cache != nil {
		opts = append(opts, protocol.WithCache(*pc.Cache))
	}
	if pc.DisableURLEncoding {
		opts = append(opts, protocol.WithDisableURLEncoding())
	}
	if pc.SilentURI != "" {
		opts = append(opts, protocol.WithSilentURI(pc.SilentURI))
	}
	if pc.SilentResources {
		opts = append(opts, protocol.WithSilentResources())
	}

	if pc.FollowRedirect != nil {
		opts = append(opts, protocol.WithFollowRedirect(*pc.FollowRedirect))
	}
	if pc.MaxRedirects != nil {
		opts = append(opts, protocol.WithMaxRedirects(*pc.MaxRedirects))
	}
	if pc.Strict302 {
		opts = append(opts, protocol.WithStrict302(true))
	}
	if tmpl := pc.RedirectName; tmpl != "" {
		opts = append(opts, protocol.WithRedirectNaming(func(name string, n int) string {
			return strings.NewReplacer("{{name}}", name, "{{n}}", strconv.Itoa(n)).Replace(tmpl)
		}))
	}
	if checks := buildChecks("protocol.checks", pc.Checks, errs); len(checks) > 0 {
		opts = append(opts, protocol.WithChecks(checks...))
	}
	if r := pc.Resources; r != nil {
		opts = append(opts, protocol.WithInferHTMLResources(r.Allow, r.Deny))
	}

	if ws := pc.WS; ws != nil {
		if len(ws.BaseURLs) > 0 {
			opts = append(opts, protocol.WithWSBaseURLs(ws.BaseURLs...))
		}
		if ws.MaxReconnects != 0 {
			opts = append(opts, protocol.WithWSMaxReconnects(ws.MaxReconnects))
		}
		if ws.BufferSize != 0 {
			opts = append(opts, protocol.WithWSBufferSize(ws.BufferSize))
		}
		for _, r := range ws.AutoReply {
			opts = append(opts, protocol.WithWSAutoReplyText(r.Match, r.Reply))
		}
	}
	if sse := pc.SSE; sse != nil && sse.BufferSize != 0 {
		opts = append(opts, protocol.WithSSEBufferSize(sse.BufferSize))
	}
	if px := pc.Proxy; px != nil {
		if px.URL != "" {
			opts = append(opts, protocol.WithProxy(px.URL))
		}
		if len(px.NoProxyFor) > 0 {
			opts = append(opts, protocol.WithNoProxyFor(px.NoProxyFor...))
		}
		if len(px.ProtocolSources) > 0 {
			opts = append(opts, protocol.WithProxyProtocolSources(px.ProtocolSources...))
		}
	}
	if d := pc.DNS; d != nil {
		switch d.Strategy {
		case "", string(protocol.SystemDNS):
			opts = append(opts, protocol.WithSystemDNS())
		case string(protocol.ServerDNS):
			opts = append(opts, protocol.WithDNSServers(d.Servers...))
		default:
			errs.Add("protocol.dns.strategy", fmt.Sprintf("unknown strategy %q", d.Strategy))
		}
		for host, addrs := range d.HostAliases {
			opts = append(opts, protocol.WithHostAlias(host, addrs...))
		}
		if d.PerUser {
			opts = append(opts, protocol.WithPerUserNameResolution())
		}
	}
	return opts
}

// BuildScenario compiles the scenario section. Invalid check definitions are
// reported in errs.
func (s *Simulation) BuildScenario(errs *protocol.ConfigError) *scenario.Scenario {
	sc := &scenario.Scenario{
		Name:          s.Scenario.Name,
		Variables:     s.Scenario.Variables,
		ExitOnFailure: s.Scenario.ExitOnFailure,
	}
	if sc.Name == "" {
		sc.Name = s.Name
	}
	sc.Steps = buildSteps("scenario.steps", s.Scenario.Steps, errs)
	return sc
}

func buildSteps(prefix string, steps []StepConfig, errs *protocol.ConfigError) []scenario.Step {
	out := make([]scenario.Step, 0, len(steps))
	for i := range steps {
		st := &steps[i]
		p := fmt.Sprintf("%s[%d]", prefix, i)
		switch st.kind() {
		case StepGroup:
			out = append(out, &scenario.Group{Name: st.Name, Steps: buildSteps(p+".steps", st.Steps, errs)})
		case StepPause:
			out = append(out, &scenario.Pause{Duration: st.Pause.GetDuration(0)})
		case StepWS, StepSSE:
			kind := transport.WebSocket
			if st.kind() == StepSSE {
				kind = transport.ServerSentEvents
			}
			stream := &scenario.Stream{
				Kind:         kind,
				Name:         nameOr(st.Name, st.URL),
				URL:          st.URL,
				Headers:      st.Headers,
				Subprotocols: st.Subprotocols,
				Checks:       buildChecks(p+".checks", st.Checks, errs),
				Silent:       st.Silent,
			}
			for j, a := range st.Actions {
				stream.Actions = append(stream.Actions, scenario.StreamAction{
					Name:    a.Name,
					Send:    a.Send,
					Await:   a.Await,
					Timeout: a.Timeout.GetDuration(0),
					Checks:  buildChecks(fmt.Sprintf("%s.actions[%d].checks", p, j), a.Checks, errs),
				})
			}
			out = append(out, stream)
		default:
			method := strings.ToUpper(st.Method)
			if method == "" {
				method = "GET"
			}
			out = append(out, &scenario.HTTP{
				Name:           nameOr(st.Name, method+" "+st.URL),
				Method:         method,
				URL:            st.URL,
				Headers:        st.Headers,
				Body:           st.Body,
				Checks:         buildChecks(p+".checks", st.Checks, errs),
				Silent:         st.Silent,
				FollowRedirect: st.FollowRedirect,
				InferResources: st.InferResources,
			})
		}
	}
	return out
}

func buildChecks(prefix string, configs []check.Config, errs *protocol.ConfigError) []check.Check {
	var out []check.Check
	for i, c := range configs {
		built, err := check.FromConfig(c)
		if err != nil {
			errs.Add(fmt.Sprintf("%s[%d]", prefix, i), err.Error())
			continue
		}
		out = append(out, built)
	}
	return out
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// LoadProfile converts the load section to the runner's profile.
func (s *Simulation) LoadProfile() runner.Load {
	return runner.Load{
		Users:        s.Load.Users,
		Iterations:   s.Load.Iterations,
		Duration:     s.Load.Duration.GetDuration(0),
		RampUp:       s.Load.RampUp.GetDuration(0),
		Pacing:       s.Load.Pacing.GetDuration(0),
		GracefulStop: s.Load.GracefulStop.GetDuration(0),
	}
}

// Build validates the whole simulation and returns its protocol and
// scenario. Every problem found is reported in one *protocol.ConfigError.
func (s *Simulation) Build() (*protocol.Protocol, *scenario.Scenario, error) {
	errs := &protocol.ConfigError{}
	s.validate(errs)
	opts := s.ProtocolOptions(errs)
	sc := s.BuildScenario(errs)

	p, err := protocol.New(opts...)
	if err != nil {
		var perr *protocol.ConfigError
		if !errors.As(err, &perr) {
			return nil, nil, err
		}
		errs.Merge(perr)
	}
	if errs.HasErrors() {
		return nil, nil, errs
	}
	return p, sc, nil
}
