package generate

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var serviceNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func TestNormalizeServiceName(t *testing.T) {
	cases := map[string]string{
		"":                   DefaultServiceName,
		".":                  DefaultServiceName,
		"/":                  DefaultServiceName,
		"client":             "client",
		"Client/":            "client",
		"/apps/web/":         "apps-web",
		"apps\\admin":        "apps-admin",
		"my_service":         "my-service",
		"--Weird  Name!!--":  "weird-name",
		"packages/@scope/ui": "packages-scope-ui",
		"./server":           "server",
		"ünïcode":            "n-code",
		"___":                DefaultServiceName,
	}
	for input, expected := range cases {
		assert.Equal(t, expected, NormalizeServiceName(input), "input %q", input)
	}
}

func TestNormalizeServiceNameProperties(t *testing.T) {
	inputs := []string{
		"", ".", "a", "A/B/C", "__init__", "x--y", "-lead", "trail-", "  spaced out  ",
		"日本語", "services/payment_api", "apps/web.v2", "../escape", "a..b", "9lives",
	}
	for _, input := range inputs {
		once := NormalizeServiceName(input)
		assert.Regexp(t, serviceNamePattern, once, "input %q", input)
		assert.Equal(t, once, NormalizeServiceName(once), "not idempotent for %q", input)
	}
}
