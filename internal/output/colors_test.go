package output

import (
	"bytes"
	"testing"
)

func TestColorSchemes(t *testing.T) {
	for name, scheme := range map[string]*ColorScheme{
		"default":  DefaultColorScheme(),
		"no-color": NoColorScheme(),
	} {
		if scheme.Highlight == nil || scheme.Success == nil || scheme.Warn == nil || scheme.Error == nil {
			t.Errorf("%s scheme has nil colors", name)
		}
	}

	if got := NoColorScheme().Error.Sprint("KO"); got != "KO" {
		t.Errorf("NoColorScheme().Error.Sprint() = %q, want plain text", got)
	}
}

func TestSchemeForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	if IsTerminal(&buf) {
		t.Fatal("a buffer is not a terminal")
	}
	if got := SchemeFor(&buf, false).Warn.Sprint("x"); got != "x" {
		t.Errorf("SchemeFor(buffer) colored output: %q", got)
	}
}

func TestIcons(t *testing.T) {
	if SuccessIcon(true) != "✓" {
		t.Error("SuccessIcon(true) should be a plain checkmark")
	}
	if ErrorIcon(true) != "✗" {
		t.Error("ErrorIcon(true) should be a plain cross")
	}
	if SuccessIcon(false) == "" || ErrorIcon(false) == "" {
		t.Error("colored icons should not be empty")
	}
}
