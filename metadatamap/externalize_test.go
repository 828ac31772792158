package metadatamap

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/nx-intelligence/chronos-db/blobstore"
)

func newStore(t *testing.T) blobstore.Store {
	t.Helper()
	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	return store
}

func TestExternalizeReplacesPropertyWithRef(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	raw := []byte("hello world")
	m := CollectionMap{
		Base64Props: map[string]Base64PropConfig{
			"avatar": {ContentType: "application/octet-stream"},
		},
	}
	data := map[string]interface{}{
		"email":  "a@x",
		"avatar": base64.StdEncoding.EncodeToString(raw),
	}

	out, err := Externalize(ctx, m, store, "content", "users", "abc123", 0, data)
	if err != nil {
		t.Fatalf("Externalize() error = %v", err)
	}

	ref, ok := out["avatar"].(BlobRef)
	if !ok {
		t.Fatalf("avatar property = %T, want BlobRef", out["avatar"])
	}
	if ref.Ref.BlobKey == "" {
		t.Error("BlobRef.Ref.BlobKey should not be empty")
	}

	stored, err := store.Get(ctx, "content", ref.Ref.BlobKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(stored) != "hello world" {
		t.Errorf("stored blob = %s, want hello world", stored)
	}
}

func TestExternalizeWritesTextCompanionForSafeText(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	raw := []byte("plain text content")
	m := CollectionMap{
		Base64Props: map[string]Base64PropConfig{
			"notes": {ContentType: "text/plain", PreferredText: true},
		},
	}
	data := map[string]interface{}{"notes": base64.StdEncoding.EncodeToString(raw)}

	out, err := Externalize(ctx, m, store, "content", "users", "abc123", 0, data)
	if err != nil {
		t.Fatalf("Externalize() error = %v", err)
	}
	ref := out["notes"].(BlobRef)
	if ref.Ref.TextKey == "" {
		t.Error("expected a text.txt companion key for safe text content")
	}
}

func TestExternalizeInvalidBase64Fails(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	m := CollectionMap{Base64Props: map[string]Base64PropConfig{"avatar": {}}}
	data := map[string]interface{}{"avatar": "not-valid-base64!!"}

	if _, err := Externalize(ctx, m, store, "content", "users", "abc123", 0, data); err == nil {
		t.Error("Externalize() should fail on invalid base64")
	}
}

func TestExternalizeNoBase64PropsIsNoop(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	data := map[string]interface{}{"email": "a@x"}
	out, err := Externalize(ctx, CollectionMap{}, store, "content", "users", "abc123", 0, data)
	if err != nil {
		t.Fatalf("Externalize() error = %v", err)
	}
	if out["email"] != "a@x" {
		t.Errorf("Externalize() should pass through unchanged data, got %+v", out)
	}
}
