// Package config loads simulation files: the protocol, the load profile and
// the scenario of a run, in YAML or JSON.
package config

import (
	"time"

	"github.com/wesleyorama2/volley/internal/check"
)

// Simulation is the root of a simulation file.
type Simulation struct {
	// Name identifies the simulation in logs and the summary.
	Name string `json:"name" yaml:"name"`

	Protocol ProtocolConfig    `json:"protocol" yaml:"protocol"`
	Load     LoadProfileConfig `json:"load" yaml:"load"`
	Scenario ScenarioConfig    `json:"scenario" yaml:"scenario"`
}

// ProtocolConfig is the declarative form of the protocol. Unset values keep
// the protocol defaults.
type ProtocolConfig struct {
	BaseURLs  []string          `json:"baseUrls,omitempty" yaml:"baseUrls,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	BasicAuth *BasicAuthConfig  `json:"basicAuth,omitempty" yaml:"basicAuth,omitempty"`

	MaxConnectionsPerHost int             `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`
	MaxQueuedPerHost      int             `json:"maxQueuedPerHost,omitempty" yaml:"maxQueuedPerHost,omitempty"`
	HTTP2                 bool            `json:"http2,omitempty" yaml:"http2,omitempty"`
	HTTP2PriorKnowledge   map[string]bool `json:"http2PriorKnowledge,omitempty" yaml:"http2PriorKnowledge,omitempty"`
	LocalAddresses        []string        `json:"localAddresses,omitempty" yaml:"localAddresses,omitempty"`
	InsecureSkipVerify    bool            `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
	RequestTimeout        Duration        `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
	ConnectTimeout        Duration        `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`

	AutoReferer        *bool  `json:"autoReferer,omitempty" yaml:"autoReferer,omitempty"`
	AutoOrigin         *bool  `json:"autoOrigin,omitempty" yaml:"autoOrigin,omitempty"`
	Cache              *bool  `json:"cache,omitempty" yaml:"cache,omitempty"`
	DisableURLEncoding bool   `json:"disableUrlEncoding,omitempty" yaml:"disableUrlEncoding,omitempty"`
	SilentURI          string `json:"silentUri,omitempty" yaml:"silentUri,omitempty"`
	SilentResources    bool   `json:"silentResources,omitempty" yaml:"silentResources,omitempty"`

	FollowRedirect *bool `json:"followRedirect,omitempty" yaml:"followRedirect,omitempty"`
	MaxRedirects   *int  `json:"maxRedirects,omitempty" yaml:"maxRedirects,omitempty"`
	Strict302      bool  `json:"strict302,omitempty" yaml:"strict302,omitempty"`
	// RedirectName names redirect hops; {{name}} and {{n}} are replaced by the
	// request name and the hop number.
	RedirectName string `json:"redirectName,omitempty" yaml:"redirectName,omitempty"`

	Checks    []check.Config   `json:"checks,omitempty" yaml:"checks,omitempty"`
	Resources *ResourcesConfig `json:"inferHtmlResources,omitempty" yaml:"inferHtmlResources,omitempty"`

	WS    *WSConfig    `json:"ws,omitempty" yaml:"ws,omitempty"`
	SSE   *SSEConfig   `json:"sse,omitempty" yaml:"sse,omitempty"`
	Proxy *ProxyConfig `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	DNS   *DNSConfig   `json:"dns,omitempty" yaml:"dns,omitempty"`
}

// BasicAuthConfig holds basic authentication credentials.
type BasicAuthConfig struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// ResourcesConfig turns on HTML resource inference.
type ResourcesConfig struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// WSConfig contains WebSocket settings.
type WSConfig struct {
	BaseURLs      []string          `json:"baseUrls,omitempty" yaml:"baseUrls,omitempty"`
	MaxReconnects int               `json:"maxReconnects,omitempty" yaml:"maxReconnects,omitempty"`
	BufferSize    int               `json:"bufferSize,omitempty" yaml:"bufferSize,omitempty"`
	AutoReply     []AutoReplyConfig `json:"autoReply,omitempty" yaml:"autoReply,omitempty"`
}

// AutoReplyConfig answers inbound text frames equal to Match with Reply.
type AutoReplyConfig struct {
	Match string `json:"match" yaml:"match"`
	Reply string `json:"reply" yaml:"reply"`
}

// SSEConfig contains server-sent events settings.
type SSEConfig struct {
	BufferSize int `json:"bufferSize,omitempty" yaml:"bufferSize,omitempty"`
}

// ProxyConfig contains proxy settings.
type ProxyConfig struct {
	URL             string   `json:"url,omitempty" yaml:"url,omitempty"`
	NoProxyFor      []string `json:"noProxyFor,omitempty" yaml:"noProxyFor,omitempty"`
	ProtocolSources []string `json:"protocolSources,omitempty" yaml:"protocolSources,omitempty"`
}

// DNSConfig contains name resolution settings.
type DNSConfig struct {
	Strategy    string              `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Servers     []string            `json:"servers,omitempty" yaml:"servers,omitempty"`
	HostAliases map[string][]string `json:"hostAliases,omitempty" yaml:"hostAliases,omitempty"`
	PerUser     bool                `json:"perUser,omitempty" yaml:"perUser,omitempty"`
}

// LoadProfileConfig is the injection profile.
type LoadProfileConfig struct {
	Users        int      `json:"users" yaml:"users"`
	Iterations   int      `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	Duration     Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	RampUp       Duration `json:"rampUp,omitempty" yaml:"rampUp,omitempty"`
	Pacing       Duration `json:"pacing,omitempty" yaml:"pacing,omitempty"`
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`
}

// ScenarioConfig is the declarative scenario.
type ScenarioConfig struct {
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Variables     map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	ExitOnFailure bool              `json:"exitOnFailure,omitempty" yaml:"exitOnFailure,omitempty"`
	Steps         []StepConfig      `json:"steps" yaml:"steps"`
}

// Step kinds.
const (
	StepHTTP  = "http"
	StepGroup = "group"
	StepPause = "pause"
	StepWS    = "ws"
	StepSSE   = "sse"
)

// StepConfig is one scenario step. Kind may be omitted: a step with nested
// steps is a group, a step with only a pause is a pause, anything else is an
// HTTP request.
type StepConfig struct {
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
	Checks  []check.Config    `json:"checks,omitempty" yaml:"checks,omitempty"`

	Silent         *bool `json:"silent,omitempty" yaml:"silent,omitempty"`
	FollowRedirect *bool `json:"followRedirect,omitempty" yaml:"followRedirect,omitempty"`
	InferResources *bool `json:"inferResources,omitempty" yaml:"inferResources,omitempty"`

	Steps []StepConfig `json:"steps,omitempty" yaml:"steps,omitempty"`
	Pause Duration     `json:"pause,omitempty" yaml:"pause,omitempty"`

	Subprotocols []string             `json:"subprotocols,omitempty" yaml:"subprotocols,omitempty"`
	Actions      []StreamActionConfig `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// StreamActionConfig is one exchange on a stream.
type StreamActionConfig struct {
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	Send    string         `json:"send,omitempty" yaml:"send,omitempty"`
	Await   int            `json:"await,omitempty" yaml:"await,omitempty"`
	Timeout Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Checks  []check.Config `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// kind resolves the effective kind of a step.
func (s *StepConfig) kind() string {
	if s.Kind != "" {
		return s.Kind
	}
	switch {
	case len(s.Steps) > 0:
		return StepGroup
	case s.Pause > 0 && s.URL == "":
		return StepPause
	default:
		return StepHTTP
	}
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
