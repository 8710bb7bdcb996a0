package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndID(t *testing.T) {
	ctx := With(context.Background(), " req-1 ")
	if got := ID(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if got := ID(With(ctx, "")); got != "req-1" {
		t.Fatalf("expected invalid id to keep req-1, got %q", got)
	}
	if ID(context.Background()) != "" {
		t.Fatal("expected empty id on bare context")
	}
}

func TestFromHeaderGeneratesWhenMissing(t *testing.T) {
	if got := FromHeader("client-42"); got != "client-42" {
		t.Fatalf("expected client-42, got %q", got)
	}
	generated := FromHeader("")
	if len(generated) != 20 {
		t.Fatalf("expected a 20 character xid, got %q", generated)
	}
	if FromHeader("") == generated {
		t.Fatal("expected distinct generated ids")
	}
}
