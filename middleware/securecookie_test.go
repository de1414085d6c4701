package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
)

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey("secret-one-secret-one", "session")
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != KeySize {
		t.Fatalf("len = %d", len(a))
	}
	b, _ := DeriveKey("secret-one-secret-one", "session")
	if !bytes.Equal(a, b) {
		t.Fatal("derivation is not deterministic")
	}
	c, _ := DeriveKey("secret-one-secret-one", "other")
	if bytes.Equal(a, c) {
		t.Fatal("purpose does not separate keys")
	}
	if _, err := DeriveKey("", "session"); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("empty secret err = %v", err)
	}
}

func TestSecureCookie_RoundTrip(t *testing.T) {
	sc, err := NewSecureCookie("c", "k1", testKeys(t))
	if err != nil {
		t.Fatal(err)
	}
	type payload struct {
		A string `cbor:"1,keyasint"`
	}
	c, err := sc.Encode(payload{A: "x"}, 60)
	if err != nil {
		t.Fatal(err)
	}
	var got payload
	if err := sc.Decode(c, &got); err != nil {
		t.Fatal(err)
	}
	if got.A != "x" {
		t.Fatalf("got %+v", got)
	}
}

func TestSecureCookie_BoundToName(t *testing.T) {
	keys := testKeys(t)
	a, _ := NewSecureCookie("a", "k1", keys)
	b, _ := NewSecureCookie("b", "k1", keys)
	c, err := a.Encode("v", 60)
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := b.Decode(c, &s); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("err = %v, want ErrCookieInvalid", err)
	}
}

func TestSecureCookie_KeyRotation(t *testing.T) {
	old, _ := DeriveKey("old-secret-old-secret", "session")
	cur, _ := DeriveKey("new-secret-new-secret", "session")

	before, _ := NewSecureCookie("c", "old", map[string][]byte{"old": old})
	after, _ := NewSecureCookie("c", "new", map[string][]byte{"old": old, "new": cur})

	c, err := before.Encode("v", 60)
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := after.Decode(c, &s); err != nil || s != "v" {
		t.Fatalf("old cookie not accepted after rotation: %v", err)
	}
}

func TestSecureCookie_Malformed(t *testing.T) {
	sc, _ := NewSecureCookie("c", "k1", testKeys(t))
	var s string
	for _, v := range []string{"", "nodot", "k1.", "k1.!!!", "zz.AAAA"} {
		if err := sc.Decode(&http.Cookie{Name: "c", Value: v}, &s); err == nil {
			t.Errorf("value %q accepted", v)
		}
	}
}

func TestNewSecureCookie_UnknownKeyID(t *testing.T) {
	if _, err := NewSecureCookie("c", "missing", testKeys(t)); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("err = %v", err)
	}
}
