// internal/artifact/signal.go
package artifact

import (
	"regexp"
	"strings"
)

// MaxSignalLength caps the line returned by ExtractErrorSignal.
const MaxSignalLength = 300

var errorKeywords = regexp.MustCompile(`(?i)\b(error|errors|failed|failure|fail|exception|unauthori[sz]ed|forbidden|denied|invalid|not found|timed? ?out|refused|unavailable)\b`)

// ExtractErrorSignal returns the first line of text that mentions an error,
// failure or authorization keyword, trimmed and capped. It returns "" when
// no line matches.
func ExtractErrorSignal(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !errorKeywords.MatchString(line) {
			continue
		}
		if r := []rune(line); len(r) > MaxSignalLength {
			line = string(r[:MaxSignalLength])
		}
		return line
	}
	return ""
}
