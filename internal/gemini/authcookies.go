package gemini

import (
	"sort"
	"strings"
	"time"

	"github.com/shehryarbajwa/imagen-relay/internal/cookies"
)

// Cookie exports can hold several same-named auth cookies for different
// Google domains (root, subdomains, regional ccTLDs). Only one pair is
// valid for gemini.google.com, so bootstrap ranks the candidates instead
// of taking whichever the jar happens to keep last.

const (
	cookiePSID   = "__Secure-1PSID"
	cookiePSIDTS = "__Secure-1PSIDTS"
)

type authCandidate struct {
	value   string
	domain  string
	group   int
	rank    int
	expires float64
}

func normalizeCookieDomain(domain string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

func isAuthGoogleDomain(domain string) bool {
	return domain == "google.com" ||
		strings.HasSuffix(domain, ".google.com") ||
		strings.HasPrefix(domain, "google.") ||
		strings.Contains(domain, ".google.")
}

// authDomainGroup tiers domains: google.com and *.google.com first,
// regional domains like google.com.hk second.
func authDomainGroup(domain string) int {
	if domain == "google.com" || strings.HasSuffix(domain, ".google.com") {
		return 0
	}
	if strings.HasPrefix(domain, "google.") || strings.Contains(domain, ".google.") {
		return 1
	}
	return 2
}

// authDomainRank prefers the root domain over subdomains within a group.
func authDomainRank(domain string) int {
	switch {
	case domain == "google.com":
		return 0
	case strings.HasSuffix(domain, ".google.com"):
		return 1
	case strings.HasPrefix(domain, "google."):
		return 2
	default:
		return 3
	}
}

// collectAuthCandidates gathers non-expired candidates for the two
// required auth cookie names.
func collectAuthCandidates(raw []cookies.RawCookie, now time.Time) map[string][]authCandidate {
	candidates := map[string][]authCandidate{
		cookiePSID:   nil,
		cookiePSIDTS: nil,
	}

	for _, c := range raw {
		if c.Name == "" || c.Value == "" {
			continue
		}
		if _, wanted := candidates[c.Name]; !wanted {
			continue
		}
		domain := normalizeCookieDomain(c.Domain)
		if !isAuthGoogleDomain(domain) {
			continue
		}
		// Skip obviously expired persistent cookies.
		if c.ExpirationDate > 0 && c.ExpirationDate < float64(now.Unix()) {
			continue
		}
		candidates[c.Name] = append(candidates[c.Name], authCandidate{
			value:   c.Value,
			domain:  domain,
			group:   authDomainGroup(domain),
			rank:    authDomainRank(domain),
			expires: c.ExpirationDate,
		})
	}
	return candidates
}

// pickBestAuthCandidate orders by (group, rank, -expires). A group filter
// of -1 considers everything.
func pickBestAuthCandidate(list []authCandidate, group int) *authCandidate {
	var pool []authCandidate
	for _, c := range list {
		if group < 0 || c.group == group {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].group != pool[j].group {
			return pool[i].group < pool[j].group
		}
		if pool[i].rank != pool[j].rank {
			return pool[i].rank < pool[j].rank
		}
		return pool[i].expires > pool[j].expires
	})
	return &pool[0]
}

// selectAuthCookiePair picks the PSID/PSIDTS pair, preferring the first
// group tier where both names have a candidate so the two cookies belong
// to the same domain family.
func selectAuthCookiePair(candidates map[string][]authCandidate) (psid, psidts *authCandidate) {
	psidList := candidates[cookiePSID]
	psidtsList := candidates[cookiePSIDTS]
	if len(psidList) == 0 {
		return nil, nil
	}

	psidGroups := map[int]bool{}
	for _, c := range psidList {
		psidGroups[c.group] = true
	}
	psidtsGroups := map[int]bool{}
	for _, c := range psidtsList {
		psidtsGroups[c.group] = true
	}

	for group := 0; group <= 2; group++ {
		if psidGroups[group] && psidtsGroups[group] {
			return pickBestAuthCandidate(psidList, group), pickBestAuthCandidate(psidtsList, group)
		}
	}
	return pickBestAuthCandidate(psidList, -1), pickBestAuthCandidate(psidtsList, -1)
}
