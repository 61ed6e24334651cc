package output

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wesleyorama2/volley/internal/metrics"
)

// Progress prints one status line per interval while a run is going on.
type Progress struct {
	w        io.Writer
	engine   *metrics.Engine
	interval time.Duration
	clock    clock.Clock
	scheme   *ColorScheme
}

// NewProgress creates a progress printer. A nil clock means the wall clock.
func NewProgress(w io.Writer, e *metrics.Engine, interval time.Duration, clk clock.Clock, scheme *ColorScheme) *Progress {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if scheme == nil {
		scheme = NoColorScheme()
	}
	return &Progress{w: w, engine: e, interval: interval, clock: clk, scheme: scheme}
}

// Run prints until ctx is done.
func (p *Progress) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintln(p.w, p.Line(p.engine.Snapshot()))
		}
	}
}

// Line formats a snapshot as a single status line.
func (p *Progress) Line(s *metrics.Snapshot) string {
	ko := fmt.Sprintf("KO=%d", s.KORequests)
	if s.KORequests > 0 {
		ko = p.scheme.Error.Sprint(ko)
	}
	return fmt.Sprintf("[%s] users=%d requests=%d (OK=%d %s) rps=%.1f p95=%dms",
		formatElapsed(s.Elapsed), s.ActiveUsers, s.TotalRequests, s.OKRequests, ko,
		s.RPS, s.Latency.P95.Milliseconds())
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
