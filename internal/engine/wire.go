package engine

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/transport"
)

// buildWire turns tx into the request put on the wire. Redirect hops start
// from the carried-over request; other hops start from the descriptor.
func (e *Executor) buildWire(tx *Transaction) (*transport.Request, error) {
	s := tx.Session

	var w *transport.Request
	if tx.wire != nil {
		w = tx.wire.Clone()
	} else {
		w = &transport.Request{
			Method: tx.Request.Method,
			URL:    tx.Policy.URL,
			Header: e.request.Headers.Clone(),
		}
		if w.Header == nil {
			w.Header = http.Header{}
		}
		for k, vs := range tx.Request.Header {
			w.Header.Del(k)
			for _, v := range vs {
				w.Header.Add(k, v)
			}
		}
		if tx.Request.Body != nil {
			w.Body = append([]byte(nil), tx.Request.Body...)
		}
		if realm := e.request.Realm; realm != nil && w.Header.Get("Authorization") == "" {
			w.Header.Set("Authorization", basicAuth(realm.Username, realm.Password))
		}
		e.addReferer(tx, w)
		e.addOrigin(tx, w)
	}
	w.UserKey = s.UserKey()

	addCookies(s, w)
	if e.request.Cache && w.Method == http.MethodGet {
		if user := s.User(); user != nil {
			user.Cache.Validators(cacheKey(w.URL), w.Header)
		}
	}

	if e.request.Signer != nil {
		if err := e.request.Signer(w, s); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (e *Executor) addReferer(tx *Transaction, w *transport.Request) {
	if !e.request.AutoReferer || w.Header.Get("Referer") != "" {
		return
	}
	if tx.Resource != nil && tx.Resource.ParentURL != nil {
		w.Header.Set("Referer", tx.Resource.ParentURL.String())
		return
	}
	if ref := tx.Session.Referer(); ref != "" {
		w.Header.Set("Referer", ref)
	}
}

func (e *Executor) addOrigin(tx *Transaction, w *transport.Request) {
	if !e.request.AutoOrigin || w.Header.Get("Origin") != "" {
		return
	}
	if w.Method == http.MethodGet || w.Method == http.MethodHead {
		return
	}
	if ref := w.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			w.Header.Set("Origin", origin(u))
			return
		}
	}
	w.Header.Set("Origin", origin(w.URL))
}

// fresh reports whether w can be answered from the user's cache.
func (e *Executor) fresh(w *transport.Request, s session.Session) bool {
	if !e.request.Cache || w.Method != http.MethodGet {
		return false
	}
	user := s.User()
	return user != nil && user.Cache.IsFresh(cacheKey(w.URL), e.clock.Now())
}

func (e *Executor) storeCache(s session.Session, w *transport.Request, resp *transport.Response) {
	if !e.request.Cache || w.Method != http.MethodGet {
		return
	}
	if user := s.User(); user != nil {
		user.Cache.Update(cacheKey(w.URL), resp.Status, resp.Header, e.clock.Now())
	}
}

func (e *Executor) storeCookies(s session.Session, u *url.URL, resp *transport.Response) {
	user := s.User()
	if user == nil || user.Jar == nil {
		return
	}
	cookies := (&http.Response{Header: resp.Header}).Cookies()
	if len(cookies) > 0 {
		user.Jar.SetCookies(plainURL(u), cookies)
	}
}

func addCookies(s session.Session, w *transport.Request) {
	user := s.User()
	if user == nil || user.Jar == nil {
		return
	}
	cookies := user.Jar.Cookies(plainURL(w.URL))
	if len(cookies) == 0 {
		return
	}
	parts := make([]string, 0, len(cookies)+1)
	if existing := w.Header.Get("Cookie"); existing != "" {
		parts = append(parts, existing)
	}
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	w.Header.Set("Cookie", strings.Join(parts, "; "))
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func cacheKey(u *url.URL) string {
	return plainURL(u).String()
}

// plainURL converts a verbatim URL, whose path is kept in Opaque, into an
// equivalent URL with Path and RawPath set.
func plainURL(u *url.URL) *url.URL {
	if u == nil || u.Opaque == "" || !strings.HasPrefix(u.Opaque, "//") {
		return u
	}
	c := *u
	rest := strings.TrimPrefix(u.Opaque, "//"+u.Host)
	c.Opaque = ""
	if p, err := url.PathUnescape(rest); err == nil {
		c.Path = p
		c.RawPath = rest
	} else {
		c.Path = rest
	}
	return &c
}
