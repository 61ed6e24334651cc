package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/metrics"
)

const (
	lineWidth   = 80
	labelWidth  = lineWidth - 32
	columnWidth = 7
)

// Summary is the end-of-run view of a metrics engine.
type Summary struct {
	Title    string                 `json:"title" yaml:"title"`
	Snapshot *metrics.Snapshot      `json:"global" yaml:"global"`
	Requests []metrics.RequestStats `json:"requests" yaml:"requests"`
	Errors   []metrics.ErrorCount   `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// NewSummary captures the current state of e.
func NewSummary(title string, e *metrics.Engine) *Summary {
	return &Summary{
		Title:    title,
		Snapshot: e.Snapshot(),
		Requests: e.RequestStats(),
		Errors:   e.Errors(),
	}
}

// CountersLine renders one "> label  total  ok  ko" row with the label padded
// to a fixed width and the counters right-aligned in fixed columns.
func CountersLine(label string, total, ok, ko int64) string {
	return fmt.Sprintf("> %-*s %*d %*d %*d",
		labelWidth, truncate(label, labelWidth),
		columnWidth, total, columnWidth, ok, columnWidth, ko)
}

// Render writes the text summary to w.
func (s *Summary) Render(w io.Writer, scheme *ColorScheme) error {
	var b strings.Builder
	rule := strings.Repeat("=", lineWidth)

	b.WriteString(rule + "\n")
	if s.Title != "" {
		b.WriteString(scheme.Highlight.Sprint(s.Title) + "\n")
	}

	b.WriteString(section("Requests") + "\n")
	b.WriteString(fmt.Sprintf("  %-*s %*s %*s %*s\n", labelWidth, "",
		columnWidth, "total", columnWidth, "OK", columnWidth, "KO"))
	snap := s.Snapshot
	b.WriteString(warnKO(scheme, CountersLine("request count", snap.TotalRequests, snap.OKRequests, snap.KORequests), snap.KORequests) + "\n")
	for _, r := range s.Requests {
		b.WriteString(warnKO(scheme, CountersLine(r.Name, r.Total(), r.OK, r.KO), r.KO) + "\n")
	}

	b.WriteString(section("Response Time (ms)") + "\n")
	lat := snap.Latency
	for _, row := range []struct {
		label string
		value time.Duration
	}{
		{"min", lat.Min},
		{"50th percentile", lat.P50},
		{"75th percentile", lat.P75},
		{"95th percentile", lat.P95},
		{"99th percentile", lat.P99},
		{"max", lat.Max},
		{"mean", lat.Mean},
		{"std deviation", lat.StdDev},
	} {
		b.WriteString(fmt.Sprintf("> %-*s %*d\n", labelWidth, row.label, columnWidth, row.value.Milliseconds()))
	}
	b.WriteString(fmt.Sprintf("> %-*s %*.3f\n", labelWidth, "mean requests/sec", columnWidth, snap.RPS))

	if len(s.Errors) > 0 {
		b.WriteString(section("Errors") + "\n")
		for _, e := range s.Errors {
			pct := 0.0
			if snap.KORequests > 0 {
				pct = float64(e.Count) * 100 / float64(snap.KORequests)
			}
			b.WriteString(scheme.Error.Sprintf("> %-*s %*d (%5.2f%%)", labelWidth, truncate(e.Cause, labelWidth), columnWidth, e.Count, pct) + "\n")
		}
	}
	b.WriteString(rule + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func warnKO(scheme *ColorScheme, line string, ko int64) string {
	if ko > 0 {
		return scheme.Warn.Sprint(line)
	}
	return line
}

func section(title string) string {
	head := "---- " + title + " "
	if len(head) >= lineWidth {
		return head
	}
	return head + strings.Repeat("-", lineWidth-len(head))
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}
