package segment

import (
	"strings"

	"github.com/grafana/regexp"
)

var (
	markdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	emphasisMarker = regexp.MustCompile("[*#_`]")
)

// Sanitize strips markdown artifacts from a sentence before it is spoken.
// An empty result means there is nothing to synthesize.
func Sanitize(sentence string) string {
	out := markdownLink.ReplaceAllString(sentence, "$1")
	out = emphasisMarker.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
