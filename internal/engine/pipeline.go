package engine

import (
	"fmt"
	"mime"
	"net/http"

	"github.com/wesleyorama2/volley/internal/check"
	"github.com/wesleyorama2/volley/internal/session"
	"github.com/wesleyorama2/volley/internal/stats"
	"github.com/wesleyorama2/volley/internal/transport"
)

// process runs the response pipeline of a final hop: the transformer, then
// the checks with their extractions, then the statistics event. It returns
// the resulting session, the response the checks saw and whether it passed.
func (e *Executor) process(tx *Transaction, resp *transport.Response) (session.Session, *transport.Response, bool) {
	s := tx.Session

	if t := e.response.Transformer; t != nil {
		out, err := t(resp, s)
		if err != nil {
			e.transition(tx, Failed)
			e.record(tx, resp, stats.KO, fmt.Sprintf("transform: %v", err))
			return s.MarkFailed(), resp, false
		}
		if out != nil {
			resp = out
		}
	}

	s, err := check.Run(tx.Policy.Checks, resp, s)
	if err != nil {
		e.transition(tx, Failed)
		e.log.Debug().
			Err(err).
			Int64("user", s.UserID()).
			Str("request", tx.Policy.Name).
			Msg("Checks failed")
		e.record(tx, resp, stats.KO, causeOf(err))
		return s.MarkFailed(), resp, false
	}

	e.record(tx, resp, stats.OK, "")
	return s, resp, true
}

// causeOf returns the statistics cause of a check error: the first failure.
func causeOf(err error) string {
	if failures := check.Failures(err); len(failures) > 0 {
		return failures[0].Error()
	}
	return err.Error()
}

// infers reports whether the page resources referenced by resp are fetched.
func (e *Executor) infers(tx *Transaction, resp *transport.Response) bool {
	return tx.IsRoot() && tx.Policy.InferResources && resp.Status == http.StatusOK && isHTML(resp)
}

func isHTML(resp *transport.Response) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	media, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return media == "text/html" || media == "application/xhtml+xml"
}
