// Package protocol builds the text payloads the peripheral notifies.
package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultFormat is the payload template; %d is replaced by the counter.
const DefaultFormat = "Hello %d"

// Formatter renders the payload for notification number seq (1-based).
type Formatter interface {
	Format(seq uint64) string
}

// CounterFormatter renders a template with at most one %d verb.
// A template without a verb produces the same text every tick.
type CounterFormatter struct {
	Template string
	verb     bool
}

// NewCounterFormatter validates template and returns a formatter for it.
func NewCounterFormatter(template string) (CounterFormatter, error) {
	if template == "" {
		template = DefaultFormat
	}
	bare := strings.ReplaceAll(template, "%%", "")
	switch n := strings.Count(bare, "%"); {
	case n > 1:
		return CounterFormatter{}, fmt.Errorf("protocol: template %q has %d verbs, want at most one", template, n)
	case n == 1 && !strings.Contains(bare, "%d"):
		return CounterFormatter{}, fmt.Errorf("protocol: template %q: only %%d is supported", template)
	case n == 1:
		return CounterFormatter{Template: template, verb: true}, nil
	}
	return CounterFormatter{Template: template}, nil
}

func (f CounterFormatter) Format(seq uint64) string {
	if !f.verb {
		return strings.ReplaceAll(f.Template, "%%", "%")
	}
	return fmt.Sprintf(f.Template, seq)
}

// ClampText cuts text to at most maxBytes without splitting a UTF-8
// character. Text that already fits is returned unchanged.
func ClampText(text string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	// Walk back until the cut lands on the start of a rune.
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
