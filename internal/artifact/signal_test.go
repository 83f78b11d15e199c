// internal/artifact/signal_test.go
package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractErrorSignal(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"unauthorized line", "ok\nUnauthorized: token expired\nmore", "Unauthorized: token expired"},
		{"no signal", "all good", ""},
		{"first match wins", "Node failed to run\nERROR: second", "Node failed to run"},
		{"case insensitive", "  ACCESS DENIED for user  ", "ACCESS DENIED for user"},
		{"not found phrase", "Resource not found", "Resource not found"},
		{"word boundary", "terrorist-free zone\nfine", ""},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractErrorSignal(tc.text))
		})
	}
}

func TestExtractErrorSignalCapsLength(t *testing.T) {
	line := "error: " + strings.Repeat("x", 500)
	got := ExtractErrorSignal(line)
	assert.Len(t, []rune(got), MaxSignalLength)
	assert.True(t, strings.HasPrefix(got, "error: "))
}
