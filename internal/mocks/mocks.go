// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/wfmedic/internal/browser"
	"github.com/xkilldash9x/wfmedic/internal/history"
)

// -- Fake Page --

// Call is one recorded interaction with a FakePage.
type Call struct {
	Op  string
	Arg string
	At  time.Time
}

// Lookup is the decoded argument set of a locator lookup script.
type Lookup struct {
	Kind     string `json:"kind"`
	Role     string `json:"role"`
	Pattern  string `json:"pattern"`
	Selector string `json:"selector"`
	Token    string `json:"token"`
}

// Describe renders the lookup the way it is recorded in the call log.
func (l Lookup) Describe() string {
	switch l.Kind {
	case "css":
		return "css " + l.Selector
	case "role":
		return "role " + l.Role + " " + l.Pattern
	default:
		return l.Kind + " " + l.Pattern
	}
}

// FakePage is an instrumented browser.Page. Every call is logged with a
// timestamp and the number of calls in progress at once is tracked.
type FakePage struct {
	mu    sync.Mutex
	calls []Call
	url   string
	auth  bool

	// Text is returned by InnerText unless TextFunc is set.
	Text     string
	TextFunc func() string
	Markup   string
	PNG      []byte

	// Resolvable decides whether a locator lookup finds its element.
	Resolvable func(l Lookup) bool
	// EvalFunc answers Evaluate calls that are not locator lookups.
	EvalFunc func(expression string, out interface{}) error
	// Errors makes the named op fail ("navigate", "click", "type", ...).
	Errors map[string]error
	// Fail is consulted when Errors has no entry for the op.
	Fail func(op, arg string) error

	OnNavigate func(p *FakePage, url string)
	OnClick    func(p *FakePage, selector string)
	OnPress    func(p *FakePage, key string)

	// ActionDelay is spent inside every call.
	ActionDelay time.Duration

	inFlight    int32
	maxInFlight int32
}

var _ browser.Page = (*FakePage)(nil)

// NewFakePage returns a page positioned at url.
func NewFakePage(url string) *FakePage {
	return &FakePage{url: url, PNG: []byte("\x89PNG\r\n\x1a\nfake")}
}

func (p *FakePage) enter(op, arg string) error {
	n := atomic.AddInt32(&p.inFlight, 1)
	for {
		cur := atomic.LoadInt32(&p.maxInFlight)
		if n <= cur || atomic.CompareAndSwapInt32(&p.maxInFlight, cur, n) {
			break
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, Call{Op: op, Arg: arg, At: time.Now()})
	err := p.Errors[op]
	p.mu.Unlock()
	if err == nil && p.Fail != nil {
		err = p.Fail(op, arg)
	}

	if p.ActionDelay > 0 {
		time.Sleep(p.ActionDelay)
	}
	return err
}

func (p *FakePage) exit() { atomic.AddInt32(&p.inFlight, -1) }

// MaxInFlight reports the highest number of overlapping calls observed.
func (p *FakePage) MaxInFlight() int { return int(atomic.LoadInt32(&p.maxInFlight)) }

// Calls returns a copy of the call log.
func (p *FakePage) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallsOf returns the logged calls for one op.
func (p *FakePage) CallsOf(op string) []Call {
	var out []Call
	for _, c := range p.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// SetURL moves the page without logging a navigation.
func (p *FakePage) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	defer p.exit()
	if err := p.enter("navigate", url); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.SetURL(url)
	if p.OnNavigate != nil {
		p.OnNavigate(p, url)
	}
	return nil
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	defer p.exit()
	if err := p.enter("url", ""); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *FakePage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	if l, ok := parseLookup(expression); ok {
		defer p.exit()
		if err := p.enter("lookup", l.Describe()); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s, _ := out.(*string)
		if p.Resolvable != nil && p.Resolvable(l) {
			if s != nil {
				*s = l.Token
			}
			return nil
		}
		// chromedp cannot decode a null result into a string.
		if strings.Contains(expression, "return null") {
			return chromedp.ErrJSNull
		}
		if s != nil {
			*s = ""
		}
		return nil
	}

	defer p.exit()
	if err := p.enter("eval", expression); err != nil {
		return err
	}
	if p.EvalFunc != nil {
		return p.EvalFunc(expression, out)
	}
	return nil
}

func (p *FakePage) Click(ctx context.Context, selector string) error {
	defer p.exit()
	if err := p.enter("click", selector); err != nil {
		return err
	}
	if p.OnClick != nil {
		p.OnClick(p, selector)
	}
	return nil
}

func (p *FakePage) Focus(ctx context.Context, selector string) error {
	defer p.exit()
	return p.enter("focus", selector)
}

func (p *FakePage) Fill(ctx context.Context, selector, value string) error {
	defer p.exit()
	return p.enter("fill", selector+"="+value)
}

func (p *FakePage) Press(ctx context.Context, key string) error {
	defer p.exit()
	if err := p.enter("press", key); err != nil {
		return err
	}
	if p.OnPress != nil {
		p.OnPress(p, key)
	}
	return nil
}

func (p *FakePage) Type(ctx context.Context, text string) error {
	defer p.exit()
	return p.enter("type", text)
}

func (p *FakePage) Screenshot(ctx context.Context) ([]byte, error) {
	defer p.exit()
	if err := p.enter("screenshot", ""); err != nil {
		return nil, err
	}
	return p.PNG, nil
}

func (p *FakePage) HTML(ctx context.Context) (string, error) {
	defer p.exit()
	if err := p.enter("html", ""); err != nil {
		return "", err
	}
	return p.Markup, nil
}

func (p *FakePage) InnerText(ctx context.Context) (string, error) {
	defer p.exit()
	if err := p.enter("text", ""); err != nil {
		return "", err
	}
	if p.TextFunc != nil {
		return p.TextFunc(), nil
	}
	return p.Text, nil
}

// parseLookup decodes the trailing argument object of a lookup script.
func parseLookup(script string) (Lookup, bool) {
	if !strings.HasPrefix(script, "(function(args)") {
		return Lookup{}, false
	}
	i := strings.LastIndex(script, "})(")
	if i < 0 {
		return Lookup{}, false
	}
	raw := strings.TrimSuffix(script[i+3:], ")")
	var l Lookup
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(raw, &l); err != nil || l.Token == "" {
		return Lookup{}, false
	}
	return l, true
}

// -- Fake Session --

// FakeSession adds the session capabilities the auth resolver and pipeline
// need on top of FakePage.
type FakeSession struct {
	*FakePage

	ValidState bool
	Path       string
	PersistErr error

	mu       sync.Mutex
	persists []string
	disposed int
}

// NewFakeSession wraps a fresh FakePage.
func NewFakeSession(url string) *FakeSession {
	return &FakeSession{FakePage: NewFakePage(url)}
}

func (s *FakeSession) IsAuthenticated() bool {
	s.FakePage.mu.Lock()
	defer s.FakePage.mu.Unlock()
	return s.FakePage.auth
}

func (s *FakeSession) MarkAuthenticated() {
	s.FakePage.mu.Lock()
	s.FakePage.auth = true
	s.FakePage.mu.Unlock()
}

func (s *FakeSession) HasValidState() bool { return s.ValidState }

func (s *FakeSession) StatePath() string { return s.Path }

func (s *FakeSession) Persist(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PersistErr != nil {
		return s.PersistErr
	}
	s.persists = append(s.persists, path)
	return nil
}

// Persisted returns the paths passed to Persist.
func (s *FakeSession) Persisted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.persists...)
}

func (s *FakeSession) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed++
	return nil
}

// Disposed reports how many times Dispose was called.
func (s *FakeSession) Disposed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// -- History Mock --

// MockRecorder mocks history.Recorder.
type MockRecorder struct {
	mock.Mock
}

var _ history.Recorder = (*MockRecorder)(nil)

func (m *MockRecorder) Record(ctx context.Context, run history.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRecorder) Close() {
	m.Called()
}

// String summarises the call log, one call per line.
func (p *FakePage) String() string {
	var b strings.Builder
	for _, c := range p.Calls() {
		fmt.Fprintf(&b, "%s %s\n", c.Op, c.Arg)
	}
	return b.String()
}
