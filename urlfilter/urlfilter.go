// Package urlfilter decides whether a URL is exempt from scheduled reloads.
//
// Patterns without '*' are case-insensitive substring matches. Patterns with
// '*' become case-insensitive regular expressions where '*' matches any run of
// characters; the expression is not anchored, so it may match anywhere in the
// URL. The allowlist always wins over the denylist.
package urlfilter

import (
	"regexp"
	"strings"
	"sync"
)

// Filter holds compiled allow and deny lists. It is safe for concurrent use;
// SetLists swaps both lists atomically.
type Filter struct {
	mu    sync.RWMutex
	allow []matcher
	deny  []matcher
	lists Lists
}

// New compiles the given lists.
func New(allow, deny []string) *Filter {
	f := &Filter{}
	f.SetLists(Lists{Allowlist: allow, Denylist: deny})
	return f
}

// SetLists replaces both lists.
func (f *Filter) SetLists(l Lists) {
	allow := compileAll(l.Allowlist)
	deny := compileAll(l.Denylist)
	f.mu.Lock()
	f.allow, f.deny = allow, deny
	f.lists = l.clone()
	f.mu.Unlock()
}

// Lists returns a copy of the current raw patterns.
func (f *Filter) Lists() Lists {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lists.clone()
}

// IsExempt reports whether a reload of url should be skipped.
func (f *Filter) IsExempt(url string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, m := range f.allow {
		if m.match(url) {
			return false
		}
	}
	for _, m := range f.deny {
		if m.match(url) {
			return true
		}
	}
	return false
}

// Match reports whether a single pattern matches url. Empty inputs never match.
func Match(url, pattern string) bool {
	return compile(pattern).match(url)
}

type matcher struct {
	literal string
	re      *regexp.Regexp
}

func (m matcher) match(url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	if m.re != nil {
		return m.re.MatchString(url)
	}
	if m.literal == "" {
		return false
	}
	return strings.Contains(strings.ToLower(url), m.literal)
}

func compileAll(patterns []string) []matcher {
	out := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		m := compile(p)
		if m.re == nil && m.literal == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func compile(pattern string) matcher {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return matcher{}
	}
	if !strings.Contains(pattern, "*") {
		return matcher{literal: strings.ToLower(pattern)}
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("(?i)" + strings.Join(parts, ".*"))
	if err != nil {
		// Degrade to a literal match on the pattern without its wildcards.
		return matcher{literal: strings.ToLower(strings.ReplaceAll(pattern, "*", ""))}
	}
	return matcher{re: re}
}
