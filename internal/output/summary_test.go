package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/stats"
)

func populatedEngine(t *testing.T) *metrics.Engine {
	t.Helper()
	e := metrics.NewEngine()
	t.Cleanup(e.Stop)

	start := time.Unix(0, 0)
	for i := 0; i < 19; i++ {
		e.Record(stats.Event{Name: "Home", Start: start, End: start.Add(20 * time.Millisecond), Status: stats.OK})
	}
	e.Record(stats.Event{Name: "Home", Start: start, End: start.Add(40 * time.Millisecond), Status: stats.KO, Cause: "status.default: 500"})
	return e
}

func TestCountersLine(t *testing.T) {
	got := CountersLine("numberOfRequestsStatistics", 20, 19, 1)
	want := "> numberOfRequestsStatistics" + strings.Repeat(" ", 22) +
		" " + "     20" + " " + "     19" + " " + "      1"
	assert.Equal(t, want, got)
	assert.Len(t, got, 2+labelWidth+3*(columnWidth+1))
}

func TestCountersLineTruncatesLongLabels(t *testing.T) {
	got := CountersLine(strings.Repeat("x", 100), 1, 1, 0)
	assert.Len(t, got, 2+labelWidth+3*(columnWidth+1))
	assert.Contains(t, got, "...")
}

func TestSummaryRender(t *testing.T) {
	s := NewSummary("Simulation basic", populatedEngine(t))

	var buf bytes.Buffer
	require.NoError(t, s.Render(&buf, NoColorScheme()))
	out := buf.String()

	assert.Contains(t, out, "Simulation basic")
	assert.Contains(t, out, CountersLine("request count", 20, 19, 1))
	assert.Contains(t, out, CountersLine("Home", 20, 19, 1))
	assert.Contains(t, out, "---- Response Time (ms) ")
	assert.Contains(t, out, "---- Errors ")
	assert.Contains(t, out, "status.default: 500")
	assert.Contains(t, out, "(100.00%)")

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, "----") {
			assert.Len(t, line, lineWidth)
		}
	}
}

func TestSummaryRenderWithoutErrors(t *testing.T) {
	e := metrics.NewEngine()
	defer e.Stop()
	e.Record(stats.Event{Name: "Home", Status: stats.OK})

	var buf bytes.Buffer
	require.NoError(t, NewSummary("", e).Render(&buf, NoColorScheme()))
	assert.NotContains(t, buf.String(), "---- Errors")
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]OutputFormat{"": FormatText, "text": FormatText, "json": FormatJSON, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestSummaryWriteJSON(t *testing.T) {
	s := NewSummary("json run", populatedEngine(t))

	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf, FormatJSON, NoColorScheme()))

	var decoded struct {
		Title  string `json:"title"`
		Global struct {
			TotalRequests int64 `json:"totalRequests"`
			KORequests    int64 `json:"koRequests"`
		} `json:"global"`
		Requests []struct {
			Name string `json:"name"`
		} `json:"requests"`
		Errors []struct {
			Cause string `json:"cause"`
			Count int64  `json:"count"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "json run", decoded.Title)
	assert.EqualValues(t, 20, decoded.Global.TotalRequests)
	assert.EqualValues(t, 1, decoded.Global.KORequests)
	require.Len(t, decoded.Requests, 1)
	assert.Equal(t, "Home", decoded.Requests[0].Name)
	require.Len(t, decoded.Errors, 1)
	assert.EqualValues(t, 1, decoded.Errors[0].Count)
}

func TestSummaryWriteYAML(t *testing.T) {
	s := NewSummary("yaml run", populatedEngine(t))

	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf, FormatYAML, NoColorScheme()))

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "yaml run", decoded["title"])
	assert.Contains(t, decoded, "global")
	assert.Contains(t, decoded, "requests")
}

func TestProgressLine(t *testing.T) {
	e := populatedEngine(t)
	p := NewProgress(&bytes.Buffer{}, e, time.Second, clock.NewMock(), NoColorScheme())

	snap := e.Snapshot()
	snap.Elapsed = 65 * time.Second
	line := p.Line(snap)
	assert.True(t, strings.HasPrefix(line, "[00:01:05]"), line)
	assert.Contains(t, line, "requests=20 (OK=19 KO=1)")
}
