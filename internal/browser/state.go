// internal/browser/state.go
package browser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StoredCookie is the persisted form of a browser cookie. Expires is seconds
// since the epoch; zero or negative marks a session cookie.
type StoredCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// OriginStorage holds the localStorage entries of one origin.
type OriginStorage struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}

// State is the persisted authentication context reused across runs.
type State struct {
	Cookies []StoredCookie  `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

// ErrNoState is returned by LoadState when no state file exists.
var ErrNoState = errors.New("no persisted state")

// LoadState reads a state file. A missing file yields ErrNoState.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return &st, nil
}

// Save writes the state atomically: a temp file in the same directory is
// renamed over path. The file is readable by the owner only.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move state file into place: %w", err)
	}
	return nil
}

// Valid reports whether the state still holds at least one live cookie at
// the given instant. Cookies carrying a JWT are also judged by its exp claim.
func (s *State) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	for _, c := range s.Cookies {
		if cookieLive(c, now) {
			return true
		}
	}
	return false
}

func cookieLive(c StoredCookie, now time.Time) bool {
	if c.Value == "" {
		return false
	}
	if c.Expires > 0 && time.Unix(int64(c.Expires), 0).Before(now) {
		return false
	}
	if exp, ok := jwtExpiry(c.Value); ok && exp.Before(now) {
		return false
	}
	return true
}

// jwtExpiry extracts the exp claim of a token without verifying its
// signature. Values that are not JWTs report ok=false.
func jwtExpiry(value string) (time.Time, bool) {
	if strings.Count(value, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// MergeOrigin replaces or appends the localStorage snapshot for one origin.
func (s *State) MergeOrigin(o OriginStorage) {
	if o.Origin == "" || o.Origin == "null" {
		return
	}
	for i := range s.Origins {
		if s.Origins[i].Origin == o.Origin {
			s.Origins[i] = o
			return
		}
	}
	s.Origins = append(s.Origins, o)
}

// restoreStorageScript returns a script that, on documents of a matching
// origin, writes the stored entries into localStorage.
func restoreStorageScript(origins []OriginStorage) (string, error) {
	if len(origins) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(origins)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function() {
    const stored = %s;
    try {
        for (const o of stored) {
            if (o.origin !== window.location.origin) { continue; }
            for (const [k, v] of Object.entries(o.localStorage || {})) {
                if (window.localStorage.getItem(k) === null) { window.localStorage.setItem(k, v); }
            }
        }
    } catch (e) { /* storage disabled */ }
})();`, payload), nil
}

const jsSnapshotStorage = `(function() {
    const items = {};
    try {
        const s = window.localStorage;
        for (let i = 0; i < s.length; i++) {
            const k = s.key(i);
            if (k) { items[k] = s.getItem(k); }
        }
    } catch (e) { /* SecurityError or storage disabled */ }
    return { origin: window.location.origin, localStorage: items };
})()`
