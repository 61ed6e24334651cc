package transport

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Request is one fully-built wire request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// UserKey selects per-user caches and connections ("" means shared).
	UserKey string
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := *r
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Timing contains the connection phase breakdown of one exchange.
type Timing struct {
	ConnectTime      time.Duration
	TLSHandshakeTime time.Duration
	TimeToFirstByte  time.Duration
	ReusedConnection bool
}

// Response is a fully-read response.
type Response struct {
	Status int
	Proto  string
	Header http.Header
	Body   []byte

	// Request is the wire request that produced this response.
	Request *Request

	Start time.Time
	End   time.Time

	Timing        Timing
	BytesSent     int64
	BytesReceived int64
}

// ResponseTime returns the elapsed time between sending and full receipt.
func (r *Response) ResponseTime() time.Duration {
	return r.End.Sub(r.Start)
}

// BodyString returns the body as a string.
func (r *Response) BodyString() string {
	return string(r.Body)
}

// BodyJSON unmarshals the body into v.
func (r *Response) BodyJSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// GetHeader returns the first value of the named header.
func (r *Response) GetHeader(key string) string {
	return r.Header.Get(key)
}

// IsSuccess returns true if the status code is in the 2xx range
func (r *Response) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// IsRedirect returns true for the status codes that carry a Location to follow.
func (r *Response) IsRedirect() bool {
	switch r.Status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// WithBody returns a shallow copy of r carrying body.
func (r *Response) WithBody(body []byte) *Response {
	c := *r
	c.Body = body
	return &c
}

func headerSize(h http.Header) int64 {
	var n int64
	for k, vs := range h {
		for _, v := range vs {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}
