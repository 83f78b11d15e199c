// internal/auth/conditions.go
package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/wfmedic/internal/browser"
)

// URLContains holds when the current URL contains any of the substrings.
type URLContains []string

func (c URLContains) Met(ctx context.Context, page browser.Page) (bool, error) {
	u, err := page.URL(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range c {
		if s != "" && strings.Contains(u, s) {
			return true, nil
		}
	}
	return false, nil
}

func (c URLContains) String() string {
	return fmt.Sprintf("url contains one of %v", []string(c))
}

// TextMatches holds when the visible page text matches the expression.
type TextMatches struct {
	Pattern *regexp.Regexp
}

// NewTextMatches compiles pattern into a TextMatches condition.
func NewTextMatches(pattern string) (TextMatches, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return TextMatches{}, fmt.Errorf("invalid text pattern %q: %w", pattern, err)
	}
	return TextMatches{Pattern: re}, nil
}

func (c TextMatches) Met(ctx context.Context, page browser.Page) (bool, error) {
	text, err := page.InnerText(ctx)
	if err != nil {
		return false, err
	}
	return c.Pattern.MatchString(text), nil
}

func (c TextMatches) String() string {
	return fmt.Sprintf("text matches /%s/", c.Pattern)
}
