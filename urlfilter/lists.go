package urlfilter

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// StorageKey is the durable key holding the filter lists.
const StorageKey = "url_filters"

// Lists is the persisted form of the filter configuration.
type Lists struct {
	Allowlist []string `json:"allowlist" yaml:"allowlist"`
	Denylist  []string `json:"denylist" yaml:"denylist"`
}

func (l Lists) clone() Lists {
	return Lists{Allowlist: slices.Clone(l.Allowlist), Denylist: slices.Clone(l.Denylist)}
}

// Add appends pattern to the named list ("allow" or "deny") unless present.
func (l *Lists) Add(list, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return fmt.Errorf("urlfilter: empty pattern")
	}
	dst, err := l.target(list)
	if err != nil {
		return err
	}
	if !slices.Contains(*dst, pattern) {
		*dst = append(*dst, pattern)
	}
	return nil
}

// Remove deletes pattern from both lists. It reports whether anything changed.
func (l *Lists) Remove(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	before := len(l.Allowlist) + len(l.Denylist)
	l.Allowlist = slices.DeleteFunc(l.Allowlist, func(p string) bool { return p == pattern })
	l.Denylist = slices.DeleteFunc(l.Denylist, func(p string) bool { return p == pattern })
	return len(l.Allowlist)+len(l.Denylist) != before
}

func (l *Lists) target(list string) (*[]string, error) {
	switch list {
	case "allow", "allowlist":
		return &l.Allowlist, nil
	case "deny", "denylist":
		return &l.Denylist, nil
	}
	return nil, fmt.Errorf("urlfilter: unknown list %q", list)
}

// KV is the subset of the durable store used for the lists.
type KV interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

// LoadLists reads the persisted lists. found is false when nothing was stored yet.
func LoadLists(ctx context.Context, kv KV) (l Lists, found bool, err error) {
	found, err = kv.Get(ctx, StorageKey, &l)
	if err != nil {
		return Lists{}, false, fmt.Errorf("urlfilter: load lists: %w", err)
	}
	return l, found, nil
}

// SaveLists persists the lists.
func SaveLists(ctx context.Context, kv KV, l Lists) error {
	if l.Allowlist == nil {
		l.Allowlist = []string{}
	}
	if l.Denylist == nil {
		l.Denylist = []string{}
	}
	if err := kv.Set(ctx, StorageKey, l); err != nil {
		return fmt.Errorf("urlfilter: save lists: %w", err)
	}
	return nil
}

// Seed stores l only when no lists were persisted yet and returns the lists
// that are in effect afterwards.
func Seed(ctx context.Context, kv KV, l Lists) (Lists, error) {
	cur, found, err := LoadLists(ctx, kv)
	if err != nil {
		return Lists{}, err
	}
	if found {
		return cur, nil
	}
	if err := SaveLists(ctx, kv, l); err != nil {
		return Lists{}, err
	}
	return l, nil
}

// Reload replaces f's lists with the persisted ones. Nothing stored leaves f
// unchanged.
func (f *Filter) Reload(ctx context.Context, kv KV) error {
	l, found, err := LoadLists(ctx, kv)
	if err != nil {
		return err
	}
	if found {
		f.SetLists(l)
	}
	return nil
}
