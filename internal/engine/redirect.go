package engine

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/wesleyorama2/volley/internal/transport"
)

// redirect builds the next hop of a chain from a redirect response.
func (e *Executor) redirect(tx *Transaction, w *transport.Request, resp *transport.Response) (*Transaction, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, ErrMissingLocation
	}
	from := plainURL(w.URL)
	target, err := from.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid Location %q: %w", loc, err)
	}
	target.Fragment = ""

	method, keepBody := redirectMethod(resp.Status, w.Method, e.response.Strict302)

	header := w.Header.Clone()
	for _, k := range []string{"Cookie", "Host", "If-None-Match", "If-Modified-Since"} {
		header.Del(k)
	}
	if !sameOrigin(from, target) {
		header.Del("Authorization")
	}

	next := &transport.Request{
		Method: method,
		URL:    target,
		Header: header,
	}
	if keepBody {
		next.Body = w.Body
	} else {
		for k := range header {
			if strings.HasPrefix(k, "Content-") {
				header.Del(k)
			}
		}
	}

	count := tx.RedirectCount + 1
	pol := tx.Policy
	pol.URL = target
	pol.Name = e.response.RedirectNaming(tx.Request.Name, count)

	return &Transaction{
		Session:       tx.Session,
		Request:       tx.Request,
		Policy:        pol,
		RedirectCount: count,
		Resource:      tx.Resource,
		Continuation:  tx.Continuation,
		wire:          next,
	}, nil
}

// redirectMethod returns the method of the next hop and whether the body is
// carried over. GET and HEAD are never changed. 303 always switches to GET;
// 301 and 302 do so only in strict mode.
func redirectMethod(status int, method string, strict302 bool) (string, bool) {
	if method == http.MethodGet || method == http.MethodHead {
		return method, true
	}
	switch status {
	case http.StatusSeeOther:
		return http.MethodGet, false
	case http.StatusMovedPermanently, http.StatusFound:
		if strict302 {
			return http.MethodGet, false
		}
	}
	return method, true
}
