package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/output"
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/internal/runner"
	"github.com/wesleyorama2/volley/internal/scenario"
	"github.com/wesleyorama2/volley/internal/stats"
)

type requestFlags struct {
	method       string
	headers      []string
	data         string
	name         string
	expectStatus int
	timeout      time.Duration
	noFollow     bool
	resources    bool
	insecure     bool
}

func newRequestCmd(g *globalFlags) *cobra.Command {
	f := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "request URL",
		Short: "Send a single request through the load engine",
		Long: `Send one request as a single virtual user would, following redirects and
optionally fetching page resources, and print every resulting event.

  volley request https://example.com/ --resources
  volley request -X POST -H "Content-Type: application/json" -d '{"a":1}' localhost:8080/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendRequest(cmd, g, f, args[0])
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.method, "method", "X", "GET", "HTTP method")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, "Request header (key:value)")
	fl.StringVarP(&f.data, "data", "d", "", "Request body")
	fl.StringVarP(&f.name, "name", "n", "request", "Statistics name of the request")
	fl.IntVar(&f.expectStatus, "expect-status", 0, "Expected status code (default: any 2xx or 304)")
	fl.DurationVarP(&f.timeout, "timeout", "t", 30*time.Second, "Request timeout")
	fl.BoolVar(&f.noFollow, "no-follow", false, "Do not follow redirects")
	fl.BoolVar(&f.resources, "resources", false, "Fetch the resources of HTML pages")
	fl.BoolVarP(&f.insecure, "insecure", "k", false, "Skip TLS certificate verification")
	return cmd
}

func sendRequest(cmd *cobra.Command, g *globalFlags, f *requestFlags, rawURL string) error {
	baseURL, path := parseURL(rawURL)

	opts := []protocol.Option{
		protocol.WithBaseURLs(baseURL),
		protocol.WithRequestTimeout(f.timeout),
		protocol.WithFollowRedirect(!f.noFollow),
		protocol.WithInsecureSkipVerify(f.insecure),
	}
	if f.resources {
		opts = append(opts, protocol.WithInferHTMLResources(nil, nil))
	}
	proto, err := protocol.New(opts...)
	if err != nil {
		return err
	}

	step := &scenario.HTTP{
		Name:    f.name,
		Method:  strings.ToUpper(f.method),
		URL:     path,
		Headers: map[string]string{},
		Body:    f.data,
	}
	for _, header := range f.headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			step.Headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	if f.expectStatus > 0 {
		step.Checks = append(step.Checks, check.Status().Is(f.expectStatus))
	}

	stdout := cmd.OutOrStdout()
	printer := &eventPrinter{w: stdout, noColor: g.noColor || !output.IsTerminal(stdout)}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := runner.Run(ctx, runner.Config{
		Name:     "request",
		Protocol: proto,
		Scenario: &scenario.Scenario{Name: "request", Steps: []scenario.Step{step}},
		Load:     runner.Load{Users: 1, Iterations: 1},
		Sinks:    []stats.Sink{printer},
		Logger:   g.logger(cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}

	if snap := res.Metrics.Snapshot(); snap.KORequests > 0 {
		return fmt.Errorf("%d of %d requests failed", snap.KORequests, snap.TotalRequests)
	}
	return nil
}

// eventPrinter writes one line per statistics event.
type eventPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	noColor bool
}

func (p *eventPrinter) Record(ev stats.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	icon := output.SuccessIcon(p.noColor)
	if ev.Status == stats.KO {
		icon = output.ErrorIcon(p.noColor)
	}
	line := fmt.Sprintf("%s %-30s %3d %6dms %8dB", icon, ev.Name, ev.StatusCode,
		ev.Duration().Milliseconds(), ev.BytesReceived)
	if ev.Cause != "" {
		line += "  " + ev.Cause
	}
	fmt.Fprintln(p.w, line)
}

// parseURL splits a URL into base URL and path
func parseURL(fullURL string) (string, string) {
	// Add scheme if missing
	if !strings.HasPrefix(fullURL, "http://") && !strings.HasPrefix(fullURL, "https://") {
		fullURL = "http://" + fullURL
	}

	parsedURL, err := url.Parse(fullURL)
	if err != nil {
		return fullURL, "/"
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	if parsedURL.User != nil {
		baseURL = fmt.Sprintf("%s://%s@%s", parsedURL.Scheme, parsedURL.User.String(), parsedURL.Host)
	}

	path := parsedURL.Path
	if path == "" {
		path = "/"
	}
	if parsedURL.RawQuery != "" {
		path = path + "?" + parsedURL.RawQuery
	}
	return baseURL, path
}
