package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

var (
	cssImport = regexp.MustCompile(`@import\s+(?:url\(\s*)?['"]?([^'")\s;]+)`)
	cssURL    = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)
)

// fetchResources launches one child transaction per resource referenced by
// the page and folds their session writes into page in completion order.
// It returns false when ctx ends before every child settled.
func (e *Executor) fetchResources(ctx context.Context, tx *Transaction, page session.Session, resp *transport.Response) (session.Session, bool) {
	pageURL := plainURL(tx.Policy.URL)
	urls := e.filterResources(ExtractResources(pageURL, resp.Body))
	if len(urls) == 0 {
		return page, true
	}

	e.log.Debug().
		Int64("user", page.UserID()).
		Str("request", tx.Policy.Name).
		Int("resources", len(urls)).
		Msg("Fetching page resources")

	rc := &ResourceContext{
		ParentURL:     pageURL,
		ParentSession: page,
		Continuation:  tx.Continuation,
	}
	settled := make(chan []session.Write, len(urls))
	for _, u := range urls {
		child := e.resourceTransaction(rc, u, func(_ context.Context, s session.Session) {
			settled <- s.Journal()
		})
		go e.Execute(ctx, child)
	}

	s := page
	for range urls {
		select {
		case writes := <-settled:
			s = s.Replay(writes)
		case <-ctx.Done():
			return s, false
		}
	}
	return s, true
}

func (e *Executor) resourceTransaction(rc *ResourceContext, u *url.URL, cont Continuation) *Transaction {
	name := e.response.ResourceNaming(u)
	req := &Request{
		Name:   name,
		Method: http.MethodGet,
		URL:    u.String(),
		Header: http.Header{},
	}
	return &Transaction{
		Session: rc.ParentSession.Mark(),
		Request: req,
		Policy: Policy{
			Name:           name,
			URL:            u,
			FollowRedirect: e.response.FollowRedirect,
			Checks:         resourceChecks(e.response.Checks),
		},
		Resource:     rc,
		Continuation: cont,
	}
}

// resourceChecks returns the protocol checks, led by the default status
// check when none of them checks the status.
func resourceChecks(protocolChecks []check.Check) []check.Check {
	out := make([]check.Check, 0, len(protocolChecks)+1)
	if !check.HasStatus(protocolChecks) {
		out = append(out, check.DefaultStatus())
	}
	return append(out, protocolChecks...)
}

func (e *Executor) filterResources(urls []*url.URL) []*url.URL {
	out := urls[:0]
	for _, u := range urls {
		raw := u.String()
		if len(e.response.ResourceAllow) > 0 && !matchAny(e.response.ResourceAllow, raw) {
			continue
		}
		if matchAny(e.response.ResourceDeny, raw) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ExtractResources returns the absolute http(s) URLs of the resources an HTML
// page references, de-duplicated, in document order.
func ExtractResources(page *url.URL, body []byte) []*url.URL {
	var (
		base    = page
		seen    = map[string]bool{}
		out     []*url.URL
		inStyle bool
	)
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "#") {
			return
		}
		u, err := base.Parse(ref)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		u.Fragment = ""
		key := u.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, u)
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.TextToken:
			if inStyle {
				for _, ref := range cssReferences(string(z.Text())) {
					add(ref)
				}
			}
		case html.EndTagToken:
			if t := z.Token(); t.DataAtom == atom.Style {
				inStyle = false
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			attr := func(name string) string {
				for _, a := range t.Attr {
					if a.Key == name {
						return a.Val
					}
				}
				return ""
			}
			switch t.DataAtom {
			case atom.Base:
				if href := attr("href"); href != "" {
					if u, err := page.Parse(href); err == nil {
						base = u
					}
				}
			case atom.Link:
				if linksResource(attr("rel")) {
					add(attr("href"))
				}
			case atom.Script, atom.Img, atom.Iframe, atom.Frame, atom.Embed, atom.Source:
				add(attr("src"))
			case atom.Input:
				if strings.EqualFold(attr("type"), "image") {
					add(attr("src"))
				}
			case atom.Object:
				add(attr("data"))
			case atom.Body:
				add(attr("background"))
			case atom.Style:
				inStyle = true
			}
		}
	}
}

func linksResource(rel string) bool {
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if r == "stylesheet" || r == "icon" {
			return true
		}
	}
	return false
}

func cssReferences(css string) []string {
	var refs []string
	for _, m := range cssImport.FindAllStringSubmatch(css, -1) {
		refs = append(refs, m[1])
	}
	for _, m := range cssURL.FindAllStringSubmatch(css, -1) {
		refs = append(refs, m[1])
	}
	return refs
}
