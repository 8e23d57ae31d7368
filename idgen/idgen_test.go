package idgen

import (
	"strings"
	"testing"
)

func TestNanoID(t *testing.T) {
	gen := NanoID(24)
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		id := gen()
		if len(id) != 24 {
			t.Fatalf("NanoID(24): got length %d", len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("unexpected character %q in %q", c, id)
			}
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || len(strings.Split(id, "-")) != 5 {
		t.Fatalf("not a UUID: %q", id)
	}
	if id[14] != '7' {
		t.Fatalf("version nibble = %q, want 7", id[14])
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("evt_", Default)()
	if !strings.HasPrefix(id, "evt_") || len(id) != 40 {
		t.Fatalf("got %q", id)
	}
}
