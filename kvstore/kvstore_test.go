package kvstore

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/tabrefresh/dbopen"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(dbopen.OpenMemory(t))
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

type blob struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	var b blob
	found, err := s.Get(context.Background(), "nope", &b)
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
}

func TestSetGetOverwrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", blob{Name: "a", Count: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", blob{Name: "b", Count: 2}); err != nil {
		t.Fatal(err)
	}

	var b blob
	found, err := s.Get(ctx, "k", &b)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if b.Name != "b" || b.Count != 2 {
		t.Fatalf("got %+v", b)
	}
}

func TestSetManyAndKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.SetMany(ctx, map[string]any{
		"by_id":  map[string]int{"1": 1},
		"by_url": map[string]int{"u": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "by_id" || keys[1] != "by_url" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Set(ctx, "gone", 1)
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "never-there"); err != nil {
		t.Fatalf("deleting a missing key: %v", err)
	}
	var v int
	if found, _ := s.Get(ctx, "gone", &v); found {
		t.Fatal("key still present after delete")
	}
}

func TestGetDecodeError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Set(ctx, "k", "a string")
	var b blob
	if _, err := s.Get(ctx, "k", &b); err == nil {
		t.Fatal("expected decode error")
	}
}
