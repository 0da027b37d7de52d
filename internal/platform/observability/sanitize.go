package observability

import "unicode"

// clean drops control characters and caps value at limit runes so user supplied
// strings cannot forge log lines.
func clean(value string, limit int) string {
	out := make([]rune, 0, min(len(value), limit))
	for _, r := range value {
		if len(out) == limit {
			break
		}
		if unicode.IsControl(r) {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// SanitizeRoute prepares a chi route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, 180)
}
