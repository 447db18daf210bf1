package kvstore_test

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/snippetify/snipd/dbopen"
	"github.com/snippetify/snipd/kvstore"
)

func testStore(t *testing.T) *kvstore.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(kvstore.Schema))
	return kvstore.New(db)
}

func TestGetMissingKey(t *testing.T) {
	s := testStore(t)
	v, ok, err := s.Get(context.Background(), kvstore.KeyAPIToken)
	if err != nil {
		t.Fatal(err)
	}
	if ok || v != "" {
		t.Fatalf("expected absence, got %q ok=%v", v, ok)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, kvstore.KeyAPIToken, "abc123"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, kvstore.KeyAPIToken)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "abc123" {
		t.Fatalf("got %q ok=%v", v, ok)
	}

	// Overwrite.
	if err := s.Set(ctx, kvstore.KeyAPIToken, "def456"); err != nil {
		t.Fatal(err)
	}
	v, _, _ = s.Get(ctx, kvstore.KeyAPIToken)
	if v != "def456" {
		t.Fatalf("after overwrite got %q", v)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, kvstore.KeyUser, `{"id":1}`); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, kvstore.KeyUser); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, kvstore.KeyUser); ok {
		t.Fatal("key survived delete")
	}

	// Deleting again is a no-op.
	if err := s.Delete(ctx, kvstore.KeyUser); err != nil {
		t.Fatal(err)
	}
}
