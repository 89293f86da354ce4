package cookies

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Identity is the best-effort human-readable label for an account.
type Identity struct {
	Label string `json:"identity_label"`
	Kind  string `json:"identity_kind"`
	Email string `json:"email,omitempty"`
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"name"\s*:\s*"([^"@]{2,64})"`),
		regexp.MustCompile(`(?i)(?:display_name|displayName|fullname|full_name|profile_name)=([A-Za-z0-9_\-\s]{2,64})`),
	}

	chooserPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:gaia|account|obfuscated|id)=([A-Za-z0-9._\-]{6,64})`),
		regexp.MustCompile(`\b([0-9]{12,})\b`),
	}
)

// Identity extracts a display label from the cookie payload, cached for
// five minutes. Strategy order: email, profile name, account-chooser
// hint, deterministic fingerprint.
func (s *Store) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identCache != nil && time.Since(s.identLoaded) < cacheTTL {
		return *s.identCache
	}

	ident := s.extractIdentityLocked()
	s.identCache = &ident
	s.identLoaded = time.Now()
	return ident
}

func (s *Store) extractIdentityLocked() Identity {
	raw, err := s.loadRawLocked()
	if err != nil {
		return Identity{Label: "unknown", Kind: "unknown"}
	}

	for _, c := range googleCookies(raw) {
		for _, value := range cookieFields(c) {
			if m := emailPattern.FindString(value); m != "" {
				email := strings.ToLower(m)
				return Identity{Label: email, Kind: "email", Email: email}
			}
		}
	}

	for _, c := range googleCookies(raw) {
		for _, value := range cookieFields(c) {
			for _, pattern := range namePatterns {
				if m := pattern.FindStringSubmatch(value); m != nil {
					if name := strings.TrimSpace(m[1]); name != "" {
						return Identity{Label: name, Kind: "name"}
					}
				}
			}
		}
	}

	for _, c := range googleCookies(raw) {
		upper := strings.ToUpper(c.Name)
		if upper != "ACCOUNT_CHOOSER" && upper != "LSID" && upper != "__SECURE-1PSIDTS" {
			continue
		}
		for _, pattern := range chooserPatterns {
			if m := pattern.FindStringSubmatch(c.Value); m != nil && m[1] != "" {
				hint := m[1]
				if len(hint) > 8 {
					hint = hint[len(hint)-8:]
				}
				return Identity{Label: "acct-" + hint, Kind: "account_hint"}
			}
		}
	}

	return Identity{Label: s.fingerprint(raw), Kind: "fingerprint"}
}

// fingerprint builds a deterministic non-reversible short label from
// stable cookie fields, used when nothing human-readable exists.
func (s *Store) fingerprint(raw []RawCookie) string {
	var chunks []string
	for _, c := range googleCookies(raw) {
		if c.Name == "" || c.Value == "" {
			continue
		}
		sum := sha256.Sum256([]byte(c.Name + "=" + c.Value))
		chunks = append(chunks, c.Name+":"+hex.EncodeToString(sum[:])[:8])
	}

	if len(chunks) == 0 {
		sum := sha256.Sum256([]byte(filepath.Base(s.path)))
		return "fp-" + hex.EncodeToString(sum[:])[:10]
	}

	sort.Strings(chunks)
	sum := sha256.Sum256([]byte(strings.Join(chunks, "|")))
	return "fp-" + hex.EncodeToString(sum[:])[:10]
}

func googleCookies(raw []RawCookie) []RawCookie {
	var out []RawCookie
	for _, c := range raw {
		domain := strings.ToLower(c.Domain)
		if domain != "" && !strings.Contains(domain, "google") && !strings.Contains(domain, "gmail") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// cookieFields lists the string fields an identity hint may hide in.
func cookieFields(c RawCookie) []string {
	return []string{c.Name, c.Value, c.Domain, c.Path}
}
