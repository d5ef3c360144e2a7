package extraction

import "strings"

// WidenLocation drops the most specific component of a comma-separated
// location: "Campinas, SP, Brazil" becomes "SP, Brazil". It reports false
// when nothing wider remains.
func WidenLocation(location string) (string, bool) {
	parts := strings.Split(location, ",")
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) < 2 {
		return "", false
	}
	return strings.Join(kept[1:], ", "), true
}
