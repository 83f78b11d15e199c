// internal/locator/strategy.go
package locator

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/wfmedic/internal/browser"
)

// HandleAttribute tags elements found by a strategy so later actions can
// address them with a plain attribute selector.
const HandleAttribute = "data-wfmedic-handle"

// Default geometry floor for the scan strategy, in CSS pixels.
const (
	DefaultScanMinWidth  = 40
	DefaultScanMinHeight = 12
)

// Handle addresses a resolved element.
type Handle struct {
	Selector string
	Strategy string
}

// Result is the outcome of one strategy attempt. A nil Handle with a nil Err
// means the strategy ran cleanly and matched nothing.
type Result struct {
	Handle *Handle
	Err    error
}

// Strategy is one way of finding an element.
type Strategy interface {
	Name() string
	Pattern() string
	TryResolve(ctx context.Context, page browser.Page) Result
}

// Spec is an ordered list of strategies; the first match wins.
type Spec []Strategy

// Target builds the canonical chain for a named control: accessible role and
// name, then visible text, then a geometry-filtered document scan.
func Target(role, name string) Spec {
	return Spec{Role(role, name), Text(name), Scan(name, DefaultScanMinWidth, DefaultScanMinHeight)}
}

// CSSChain builds a spec of CSS strategies tried in the given order.
func CSSChain(selectors ...string) Spec {
	spec := make(Spec, 0, len(selectors))
	for _, sel := range selectors {
		spec = append(spec, CSS(sel))
	}
	return spec
}

// -- script strategies --

// scriptStrategy resolves an element by evaluating a lookup script that tags
// the first match and returns the tag token.
type scriptStrategy struct {
	name    string
	pattern string
	args    map[string]interface{}
	body    string
}

func (s *scriptStrategy) Name() string    { return s.name }
func (s *scriptStrategy) Pattern() string { return s.pattern }

func (s *scriptStrategy) TryResolve(ctx context.Context, page browser.Page) Result {
	token := uuid.New().String()
	script, err := buildScript(s.body, s.args, token)
	if err != nil {
		return Result{Err: err}
	}

	var found string
	if err := page.Evaluate(ctx, script, &found); err != nil {
		return Result{Err: fmt.Errorf("%s lookup failed: %w", s.name, err)}
	}
	if found == "" {
		return Result{}
	}
	return Result{Handle: &Handle{
		Selector: fmt.Sprintf(`[%s="%s"]`, HandleAttribute, found),
		Strategy: s.name,
	}}
}

// Role matches elements by ARIA role (explicit or implied by the tag) and an
// accessible name containing name, case-insensitively.
func Role(role, name string) Strategy {
	return RoleMatching(role, regexp.QuoteMeta(name))
}

// RoleMatching is Role with the name given as a regular expression.
func RoleMatching(role, namePattern string) Strategy {
	return &scriptStrategy{
		name:    "role",
		pattern: fmt.Sprintf("%s[name~/%s/i]", role, namePattern),
		args:    map[string]interface{}{"kind": "role", "role": role, "pattern": namePattern},
		body:    jsRoleLookup,
	}
}

// Text matches the innermost visible element whose text contains text.
func Text(text string) Strategy {
	return TextMatching(regexp.QuoteMeta(text))
}

// TextExact matches the innermost visible element whose trimmed text equals text.
func TextExact(text string) Strategy {
	return TextMatching(`^\s*` + regexp.QuoteMeta(text) + `\s*$`)
}

// TextMatching is Text with a regular expression.
func TextMatching(pattern string) Strategy {
	return &scriptStrategy{
		name:    "text",
		pattern: "/" + pattern + "/i",
		args:    map[string]interface{}{"kind": "text", "pattern": pattern},
		body:    jsTextLookup,
	}
}

// Scan walks every element of the document and keeps those whose text
// content matches and whose box is at least minWidth by minHeight and visible.
func Scan(text string, minWidth, minHeight int) Strategy {
	pattern := regexp.QuoteMeta(text)
	return &scriptStrategy{
		name:    "scan",
		pattern: fmt.Sprintf("/%s/i >%dx%d", pattern, minWidth, minHeight),
		args:    map[string]interface{}{"kind": "scan", "pattern": pattern, "minWidth": minWidth, "minHeight": minHeight},
		body:    jsScanLookup,
	}
}

// CSS matches the first element for a selector.
func CSS(selector string) Strategy {
	return &scriptStrategy{
		name:    "css",
		pattern: selector,
		args:    map[string]interface{}{"kind": "css", "selector": selector},
		body:    jsCSSLookup,
	}
}

func buildScript(body string, args map[string]interface{}, token string) (string, error) {
	payload := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		payload[k] = v
	}
	payload["token"] = token
	payload["attr"] = HandleAttribute

	encoded, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode lookup arguments: %w", err)
	}
	return fmt.Sprintf("(function(args) {\n%s\n%s\n})(%s)", jsHelpers, body, encoded), nil
}
