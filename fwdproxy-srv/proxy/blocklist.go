package proxy

import (
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Blocklist denies hosts equal to, or subdomains of, any listed domain.
type Blocklist struct {
	trie    *ahocorasick.Trie
	domains []string
}

// NewBlocklist compiles domains into one Aho-Corasick trie. Entries are
// lowercased and a leading "." or "*." is ignored. Returns nil when no
// usable entry remains.
func NewBlocklist(domains []string) *Blocklist {
	cleaned := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		d = strings.TrimPrefix(d, "*")
		d = strings.TrimPrefix(d, ".")
		if d != "" {
			cleaned = append(cleaned, d)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return &Blocklist{
		trie:    ahocorasick.NewTrieBuilder().AddStrings(cleaned).Build(),
		domains: cleaned,
	}
}

// Match returns the blocklist entry that covers host, if any.
func (b *Blocklist) Match(host string) (string, bool) {
	if b == nil {
		return "", false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	for _, match := range b.trie.MatchString(host) {
		domain := b.domains[match.Pattern()]

		if !strings.HasSuffix(host, domain) {
			continue
		}
		if len(host) == len(domain) || host[len(host)-len(domain)-1] == '.' {
			return domain, true
		}
	}
	return "", false
}

func (b *Blocklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.domains)
}
