// internal/artifact/collector.go
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wfmedic/internal/browser"
)

// Kind is the type of diagnostic being captured.
type Kind string

const (
	Screenshot Kind = "screenshot"
	HTML       Kind = "html"
	Text       Kind = "text"
)

// Ext returns the file extension written for the kind.
func (k Kind) Ext() string {
	switch k {
	case Screenshot:
		return "png"
	case HTML:
		return "html"
	default:
		return "txt"
	}
}

// Artifact describes one written file.
type Artifact struct {
	Kind Kind
	Path string
	Step string
}

// WriteError reports that an artifact could not be produced or stored.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write artifact %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Collector writes artifacts for one target into a flat directory. Paths are
// deterministic, so capturing the same label twice overwrites.
type Collector struct {
	dir      string
	targetID string
	logger   *zap.Logger

	mu        sync.Mutex
	artifacts []Artifact
	index     map[string]int
}

// NewCollector creates a collector writing <dir>/<targetID>-<label>.<ext>.
func NewCollector(dir, targetID string, logger *zap.Logger) *Collector {
	return &Collector{
		dir:      dir,
		targetID: targetID,
		logger:   logger.Named("artifacts"),
		index:    make(map[string]int),
	}
}

// TargetID returns the prefix used for every file.
func (c *Collector) TargetID() string { return c.targetID }

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path returns where an artifact with this kind and label is written.
func (c *Collector) Path(kind Kind, label string) string {
	clean := strings.Trim(unsafeLabel.ReplaceAllString(label, "-"), "-")
	return filepath.Join(c.dir, fmt.Sprintf("%s-%s.%s", c.targetID, clean, kind.Ext()))
}

// Capture pulls the requested content from the page and writes it.
func (c *Collector) Capture(ctx context.Context, page browser.Page, kind Kind, label, step string) (Artifact, error) {
	path := c.Path(kind, label)

	var data []byte
	switch kind {
	case Screenshot:
		buf, err := page.Screenshot(ctx)
		if err != nil {
			return Artifact{}, &WriteError{Path: path, Err: err}
		}
		data = buf
	case HTML:
		s, err := page.HTML(ctx)
		if err != nil {
			return Artifact{}, &WriteError{Path: path, Err: err}
		}
		data = []byte(s)
	case Text:
		s, err := page.InnerText(ctx)
		if err != nil {
			return Artifact{}, &WriteError{Path: path, Err: err}
		}
		data = []byte(s)
	default:
		return Artifact{}, &WriteError{Path: path, Err: fmt.Errorf("unknown artifact kind %q", kind)}
	}

	return c.write(kind, path, step, data)
}

// WriteText stores text the caller already holds, such as a summary.
func (c *Collector) WriteText(label, step, text string) (Artifact, error) {
	return c.write(Text, c.Path(Text, label), step, []byte(text))
}

func (c *Collector) write(kind Kind, path, step string, data []byte) (Artifact, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Artifact{}, &WriteError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, &WriteError{Path: path, Err: err}
	}

	a := Artifact{Kind: kind, Path: path, Step: step}
	c.mu.Lock()
	if i, ok := c.index[path]; ok {
		c.artifacts[i] = a
	} else {
		c.index[path] = len(c.artifacts)
		c.artifacts = append(c.artifacts, a)
	}
	c.mu.Unlock()

	c.logger.Info("Artifact written.", zap.String("kind", string(kind)), zap.String("path", path), zap.String("step", step))
	return a, nil
}

// Artifacts lists every distinct file written so far, in first-write order.
func (c *Collector) Artifacts() []Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Artifact(nil), c.artifacts...)
}
