package outgoing

import "strings"

// defaultEmergencyNumbers are recognized regardless of configuration.
// "112" and "911" are treated as emergency numbers worldwide; the rest are
// common regional services.
var defaultEmergencyNumbers = map[string]bool{
	"112": true,
	"911": true,
	"999": true,
	"110": true,
	"119": true,
	"000": true,
	"118": true,
}

// Classifier decides whether a dial target is a local emergency number.
type Classifier struct {
	numbers map[string]bool
}

// NewClassifier builds a classifier over the defaults plus any extra
// configured numbers.
func NewClassifier(extra []string) *Classifier {
	numbers := make(map[string]bool, len(defaultEmergencyNumbers)+len(extra))
	for n := range defaultEmergencyNumbers {
		numbers[n] = true
	}
	for _, n := range extra {
		if n = normalizeNumber(n); n != "" {
			numbers[n] = true
		}
	}
	return &Classifier{numbers: numbers}
}

// IsEmergencyNumber reports whether handle dials a local emergency service.
// The handle may carry a scheme prefix ("tel:911") and separator characters.
func (c *Classifier) IsEmergencyNumber(handle string) bool {
	return c.numbers[normalizeNumber(handle)]
}

func normalizeNumber(handle string) string {
	handle = strings.TrimPrefix(handle, "tel:")
	handle = strings.TrimPrefix(handle, "sip:")
	if i := strings.IndexAny(handle, "@;?"); i >= 0 {
		handle = handle[:i]
	}
	var b strings.Builder
	for _, r := range handle {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
