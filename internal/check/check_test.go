package check

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

const userJSON = `{
	"name": "John Doe",
	"age": 30,
	"active": true,
	"address": {"city": "Anytown"},
	"scores": [10, 20, 30],
	"metadata": null
}`

func jsonResponse(status int, body string) *transport.Response {
	start := time.Unix(0, 0)
	return &transport.Response{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json"}, "X-Request-Id": {"abc"}},
		Body:   []byte(body),
		Start:  start,
		End:    start.Add(150 * time.Millisecond),
	}
}

func newSession() session.Session {
	return session.New(session.NewUser(1, ""))
}

func TestConvertToGjsonPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"$", "@this"},
		{"$.name", "name"},
		{"$.address.city", "address.city"},
		{"$.scores[1]", "scores.1"},
		{"$['name']", "name"},
		{`$["address"]["city"]`, "address.city"},
		{"$[0].id", "0.id"},
		{"name", "name"},
	}
	for _, tt := range tests {
		if got := convertToGjsonPath(tt.path); got != tt.want {
			t.Errorf("convertToGjsonPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestExtractors(t *testing.T) {
	resp := jsonResponse(200, userJSON)

	tests := []struct {
		name    string
		check   Check
		wantErr bool
	}{
		{"status is", Status().Is(200), false},
		{"status in", Status().In(201, 200), false},
		{"status wrong", Status().Is(404), true},
		{"header is", Header("X-Request-Id").Is("abc"), false},
		{"header missing", Header("X-Missing"), true},
		{"header not exists", Header("X-Missing").NotExists(), false},
		{"body contains", BodyContains("Anytown"), false},
		{"body lacks", BodyContains("Nowhere"), true},
		{"regex group", Regex(`"city": "(\w+)"`).Is("Anytown"), false},
		{"regex no match", Regex(`zzz`), true},
		{"regex invalid", Regex(`(`), true},
		{"jsonpath string", JSONPath("$.name").Is("John Doe"), false},
		{"jsonpath number", JSONPath("$.age").Is(30), false},
		{"jsonpath number as string", JSONPath("$.age").Is("30"), false},
		{"jsonpath bool", JSONPath("$.active").Is(true), false},
		{"jsonpath array element", JSONPath("$.scores[1]").Is(20), false},
		{"jsonpath null exists", JSONPath("$.metadata").Exists(), false},
		{"jsonpath missing", JSONPath("$.nope"), true},
		{"jmespath", JMESPath("address.city").Is("Anytown"), false},
		{"jmespath number", JMESPath("scores[2]").Is(30), false},
		{"jmespath missing", JMESPath("nope"), true},
		{"jmespath invalid", JMESPath("[[["), true},
		{"response time", ResponseTime().LessThan(time.Second), false},
		{"response time slow", ResponseTime().LessThan(100 * time.Millisecond), true},
		{"between", JSONPath("$.age").Between(18, 65), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.check.Apply(resp, newSession())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var f *Failure
				if !errors.As(err, &f) {
					t.Errorf("error %T is not a *Failure", err)
				}
			}
		})
	}
}

func TestSaveAs(t *testing.T) {
	resp := jsonResponse(200, userJSON)
	s, err := JSONPath("$.address.city").SaveAs("city").Apply(resp, newSession())
	require.NoError(t, err)

	city, ok := s.GetString("city")
	require.True(t, ok)
	assert.Equal(t, "Anytown", city)

	s, err = JSONPath("$.missing").SaveAs("missing").Apply(resp, s)
	require.Error(t, err)
	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestOptional(t *testing.T) {
	resp := jsonResponse(200, userJSON)
	s, err := Header("X-Missing").Optional().SaveAs("missing").Apply(resp, newSession())
	require.NoError(t, err)
	_, ok := s.Get("missing")
	assert.False(t, ok)

	_, err = JSONPath("$.age").Optional().Is(31).Apply(resp, newSession())
	assert.Error(t, err)
}

func TestJSONSchema(t *testing.T) {
	schema := `{
		"type": "object",
		"required": ["name", "age"],
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "integer", "minimum": 0}
		}
	}`

	_, err := JSONSchema(schema).Apply(jsonResponse(200, userJSON), newSession())
	assert.NoError(t, err)

	_, err = JSONSchema(schema).Apply(jsonResponse(200, `{"name": 5}`), newSession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jsonSchema")

	_, err = JSONSchema(`{"type": 12}`).Apply(jsonResponse(200, userJSON), newSession())
	assert.ErrorContains(t, err, "invalid schema")
}

func TestRunEvaluatesAllChecks(t *testing.T) {
	resp := jsonResponse(200, userJSON)
	checks := []Check{
		Status().Is(500),
		JSONPath("$.name").SaveAs("name"),
		Header("X-Missing"),
	}

	s, err := Run(checks, resp, newSession())
	require.Error(t, err)
	assert.Len(t, Failures(err), 2)

	name, ok := s.GetString("name")
	assert.True(t, ok, "extraction after a failure still happens")
	assert.Equal(t, "John Doe", name)
}

func TestRunShortCircuit(t *testing.T) {
	resp := jsonResponse(200, userJSON)
	checks := []Check{
		ShortCircuit(Status().Is(500)),
		JSONPath("$.name").SaveAs("name"),
	}

	s, err := Run(checks, resp, newSession())
	require.Error(t, err)
	assert.Len(t, Failures(err), 1)
	_, ok := s.Get("name")
	assert.False(t, ok)
}

func TestDefaultStatus(t *testing.T) {
	for _, code := range []int{200, 204, 210, 304} {
		_, err := DefaultStatus().Apply(jsonResponse(code, ""), newSession())
		assert.NoError(t, err, "status %d", code)
	}
	for _, code := range []int{211, 301, 404, 500} {
		_, err := DefaultStatus().Apply(jsonResponse(code, ""), newSession())
		assert.Error(t, err, "status %d", code)
	}
}

func TestHasStatus(t *testing.T) {
	assert.True(t, HasStatus([]Check{Header("A"), Status().Is(201)}))
	assert.True(t, HasStatus(nil, []Check{ShortCircuit(Status().Is(201))}))
	assert.False(t, HasStatus([]Check{Header("A"), JSONPath("$.x")}))
	assert.False(t, HasStatus())
}

func TestFromConfig(t *testing.T) {
	no := false
	tests := []struct {
		name    string
		cfg     Config
		resp    *transport.Response
		wantErr bool
	}{
		{"status is", Config{Type: "status", Is: 200}, jsonResponse(200, userJSON), false},
		{"status in", Config{Type: "status", In: []any{201, 202}}, jsonResponse(200, userJSON), true},
		{"header not exists", Config{Type: "header", Expression: "X-Nope", Exists: &no}, jsonResponse(200, userJSON), false},
		{"jsonPath", Config{Type: "jsonPath", Expression: "$.age", Is: "30"}, jsonResponse(200, userJSON), false},
		{"responseTime", Config{Type: "responseTime", LessThan: "1s"}, jsonResponse(200, userJSON), false},
		{"jsonSchema", Config{Type: "jsonSchema", Schema: `{"type":"array"}`}, jsonResponse(200, userJSON), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromConfig(tt.cfg)
			require.NoError(t, err)
			_, err = c.Apply(tt.resp, newSession())
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}

	_, err := FromConfig(Config{Type: "bogus"})
	assert.Error(t, err)
	_, err = FromConfig(Config{Type: "header"})
	assert.Error(t, err)

	c, err := FromConfig(Config{Type: "status", Is: 200, ShortCircuit: true, Name: "ok"})
	require.NoError(t, err)
	assert.True(t, IsShortCircuit(c))
	assert.Equal(t, "ok", c.Name())
}
