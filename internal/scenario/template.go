package scenario

import (
	"fmt"
	"regexp"

	"github.com/wesleyorama2/volley/internal/session"
)

var placeholder = regexp.MustCompile(`\{\{\s*([\w.-]+)\s*\}\}`)

// Render replaces {{name}} placeholders with session attributes, falling back
// to vars. Unknown placeholders are left as written.
func Render(input string, s session.Session, vars map[string]string) string {
	if input == "" {
		return input
	}
	return placeholder.ReplaceAllStringFunc(input, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := s.Get(key); ok {
			return fmt.Sprint(v)
		}
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

func renderHeaders(h map[string]string, s session.Session, vars map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = Render(v, s, vars)
	}
	return out
}
