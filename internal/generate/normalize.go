package generate

import (
	"strings"
)

// DefaultServiceName is used for the checkout root and for paths with no usable characters.
const DefaultServiceName = "app"

// NormalizeServiceName maps an application path to a compose service name.
// The result always matches ^[a-z0-9]+(-[a-z0-9]+)*$.
func NormalizeServiceName(path string) string {
	trimmed := strings.Trim(strings.TrimSpace(path), `/\`)
	if trimmed == "" || trimmed == "." {
		return DefaultServiceName
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	pendingHyphen := false
	for _, r := range strings.ToLower(trimmed) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	if b.Len() == 0 {
		return DefaultServiceName
	}
	return b.String()
}
