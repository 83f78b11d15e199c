// internal/locator/strategy_test.go
package locator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/wfmedic/internal/mocks"
)

func TestTargetOrder(t *testing.T) {
	spec := Target("button", "Debug in editor")
	require.Len(t, spec, 3)
	assert.Equal(t, "role", spec[0].Name())
	assert.Equal(t, "text", spec[1].Name())
	assert.Equal(t, "scan", spec[2].Name())
	assert.Contains(t, spec[2].Pattern(), fmt.Sprintf(">%dx%d", DefaultScanMinWidth, DefaultScanMinHeight))
}

func TestScriptStrategyTagsMatch(t *testing.T) {
	page := mocks.NewFakePage("about:blank")
	var seen mocks.Lookup
	page.Resolvable = func(l mocks.Lookup) bool {
		seen = l
		return true
	}

	res := Role("button", "Debug in editor").TryResolve(context.Background(), page)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Handle)

	assert.Equal(t, "role", seen.Kind)
	assert.Equal(t, "button", seen.Role)
	assert.Equal(t, `Debug in editor`, seen.Pattern)
	assert.Equal(t, fmt.Sprintf(`[%s="%s"]`, HandleAttribute, seen.Token), res.Handle.Selector)
	assert.Equal(t, "role", res.Handle.Strategy)
}

func TestScriptStrategyQuotesPatterns(t *testing.T) {
	page := mocks.NewFakePage("about:blank")
	var seen mocks.Lookup
	page.Resolvable = func(l mocks.Lookup) bool { seen = l; return false }

	res := Text(`Run (1) "now"`).TryResolve(context.Background(), page)
	assert.NoError(t, res.Err)
	assert.Nil(t, res.Handle)
	assert.Equal(t, `Run \(1\) "now"`, seen.Pattern)

	TextExact("Executions").TryResolve(context.Background(), page)
	assert.Equal(t, `^\s*Executions\s*$`, seen.Pattern)
}

func TestScriptStrategyMissIsNotAFault(t *testing.T) {
	page := mocks.NewFakePage("about:blank")
	for _, s := range []Strategy{
		Role("button", "Debug in editor"),
		Text("Executions"),
		Scan("Create database page", 40, 12),
		CSS(".xterm-helper-textarea"),
	} {
		res := s.TryResolve(context.Background(), page)
		assert.NoError(t, res.Err, "%s miss must come back as an empty result", s.Name())
		assert.Nil(t, res.Handle, s.Name())
	}
}

func TestLookupScriptsNeverYieldNull(t *testing.T) {
	for name, body := range map[string]string{
		"helpers": jsHelpers,
		"role":    jsRoleLookup,
		"text":    jsTextLookup,
		"scan":    jsScanLookup,
		"css":     jsCSSLookup,
	} {
		assert.NotContains(t, body, "return null", name)
	}
}

func TestScriptStrategyReportsEvaluationFault(t *testing.T) {
	page := mocks.NewFakePage("about:blank")
	page.Errors = map[string]error{"lookup": errors.New("target closed")}

	res := CSS("canvas").TryResolve(context.Background(), page)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "css lookup failed")
	assert.Nil(t, res.Handle)
}

func TestCSSChainKeepsOrder(t *testing.T) {
	spec := CSSChain(".xterm-helper-textarea", ".xterm-screen", "canvas")
	var patterns []string
	for _, s := range spec {
		patterns = append(patterns, s.Pattern())
	}
	assert.Equal(t, ".xterm-helper-textarea,.xterm-screen,canvas", strings.Join(patterns, ","))
}

func TestBuildScriptEmbedsArguments(t *testing.T) {
	script, err := buildScript(jsCSSLookup, map[string]interface{}{"kind": "css", "selector": `div[role="textbox"] textarea`}, "tok-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(script, "(function(args)"))
	assert.Contains(t, script, `"token":"tok-1"`)
	assert.Contains(t, script, `"attr":"`+HandleAttribute+`"`)
	assert.Contains(t, script, `div[role=\"textbox\"] textarea`)
}
