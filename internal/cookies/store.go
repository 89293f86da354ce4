// Package cookies manages one account's raw browser-export cookies:
// loading with caching, saving after an upload, and best-effort identity
// extraction for health reporting.
package cookies

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const cacheTTL = 5 * time.Minute

// RawCookie is one entry of a browser-extension cookie export
// (EditThisCookie / Cookie-Editor style JSON).
type RawCookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path,omitempty"`
	Secure         bool    `json:"secure,omitempty"`
	HTTPOnly       bool    `json:"httpOnly,omitempty"`
	SameSite       string  `json:"sameSite,omitempty"`
	ExpirationDate float64 `json:"expirationDate,omitempty"`
}

// Cookie is the normalized form handed to HTTP clients.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite string
	Expires  float64
}

// Store loads and saves the cookie material for one account.
type Store struct {
	path string

	// preferConfigured pins reads and writes to the configured path
	// (multi-account layout). Without it a sibling cookies.txt wins,
	// matching the single-account legacy layout.
	preferConfigured bool

	mu           sync.Mutex
	rawCache     []RawCookie
	rawLoadedAt  time.Time
	identCache   *Identity
	identLoaded  time.Time
}

// NewStore creates a store bound to one cookies file.
func NewStore(path string, preferConfigured bool) *Store {
	return &Store{path: path, preferConfigured: preferConfigured}
}

// Path returns the configured cookies path.
func (s *Store) Path() string { return s.path }

// ClearCache drops all caches so the next read hits disk.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawCache = nil
	s.rawLoadedAt = time.Time{}
	s.identCache = nil
	s.identLoaded = time.Time{}
}

// LoadRaw returns the raw cookie list, cached for five minutes.
func (s *Store) LoadRaw() ([]RawCookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRawLocked()
}

func (s *Store) loadRawLocked() ([]RawCookie, error) {
	if s.rawCache != nil && time.Since(s.rawLoadedAt) < cacheTTL {
		return s.rawCache, nil
	}

	file := s.findCookiesFile()
	if file == "" {
		return nil, fmt.Errorf("cookies file not found: provide %s or a sibling cookies.txt", s.path)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read cookies file: %w", err)
	}

	var raw []RawCookie
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cookies file %s: %w", file, err)
	}

	s.rawCache = raw
	s.rawLoadedAt = time.Now()
	return raw, nil
}

// Load returns normalized cookies whose domain contains one of the given
// keywords. With no keywords the default Google domains apply.
func (s *Store) Load(domainKeywords ...string) ([]Cookie, error) {
	raw, err := s.LoadRaw()
	if err != nil {
		return nil, err
	}

	allowed := domainKeywords
	if len(allowed) == 0 {
		allowed = []string{"google.com", "gemini.google"}
	}

	var out []Cookie
	for _, c := range raw {
		domain := strings.ToLower(c.Domain)
		match := false
		for _, kw := range allowed {
			if strings.Contains(domain, strings.ToLower(kw)) {
				match = true
				break
			}
		}
		if !match {
			continue
		}

		path := c.Path
		if path == "" {
			path = "/"
		}

		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: normalizeSameSite(c.SameSite),
			Expires:  c.ExpirationDate,
		})
	}
	return out, nil
}

// Save writes the cookie list and invalidates caches. Returns the path
// actually written.
func (s *Store) Save(raw []RawCookie) (string, error) {
	savePath := s.path
	if !s.preferConfigured {
		// Legacy single-account layout keeps cookies.txt next to the
		// configured path.
		savePath = filepath.Join(filepath.Dir(s.path), "cookies.txt")
	}

	if err := os.MkdirAll(filepath.Dir(savePath), 0o755); err != nil {
		return "", fmt.Errorf("create cookies directory: %w", err)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode cookies: %w", err)
	}
	if err := os.WriteFile(savePath, data, 0o600); err != nil {
		return "", fmt.Errorf("write cookies file: %w", err)
	}

	s.ClearCache()
	return savePath, nil
}

// findCookiesFile auto-detects the cookies file next to the configured path.
func (s *Store) findCookiesFile() string {
	if s.preferConfigured {
		if _, err := os.Stat(s.path); err == nil {
			return s.path
		}
	}

	txt := filepath.Join(filepath.Dir(s.path), "cookies.txt")
	if _, err := os.Stat(txt); err == nil {
		return txt
	}
	if _, err := os.Stat(s.path); err == nil {
		return s.path
	}
	return ""
}

func normalizeSameSite(v string) string {
	switch strings.ToLower(v) {
	case "no_restriction", "none":
		return "None"
	case "strict":
		return "Strict"
	default:
		return "Lax"
	}
}
