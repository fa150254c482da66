package observability

import (
	"strings"
	"unicode"
)

const (
	maxLoggedRoute  = 180
	maxLoggedMethod = 10
	maxLoggedValue  = 256
)

// redactedKeys name log fields that carry payment references or customer contact data. Their
// values are cut to a short prefix so a log line never holds a usable reference.
var redactedKeys = map[string]bool{
	"gatewaytransactionid": true,
	"receipturl":           true,
	"paymenttoken":         true,
	"customeremail":        true,
	"idempotencykey":       true,
}

// stripControl drops control characters other than whitespace and truncates to limit runes.
func stripControl(value string, limit int) string {
	var b strings.Builder
	b.Grow(min(len(value), limit))
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a request path or chi route pattern for logs and metric labels.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return stripControl(route, maxLoggedRoute)
}

// SanitizeMethod cleans an HTTP method for logs and metric labels.
func SanitizeMethod(method string) string {
	return stripControl(method, maxLoggedMethod)
}

// RedactField masks string values of sensitive keys and strips control characters from the
// rest. Non-string values pass through.
func RedactField(key string, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if redactedKeys[strings.ToLower(key)] {
		return maskPrefix(s)
	}
	return stripControl(s, maxLoggedValue)
}

func maskPrefix(value string) string {
	if value == "" {
		return ""
	}
	runes := []rune(value)
	if len(runes) > 4 {
		runes = runes[:4]
	}
	return string(runes) + "****"
}
