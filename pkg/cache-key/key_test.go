package cachekey

import (
	"net/http"
	"regexp"
	"strings"
	"testing"
)

func TestDeriveIsDeterministic(t *testing.T) {
	k1, c1 := Derive("POST", "/v1/thing?x=1", []byte(`{"a":1}`), "https://api.example.com/v1/")
	k2, c2 := Derive("POST", "/v1/thing?x=1", []byte(`{"a":1}`), "https://api.example.com/v1/")
	if k1 != k2 || c1 != c2 {
		t.Fatalf("Keys differ: %s vs %s", k1, k2)
	}
}

func TestKeyFormat(t *testing.T) {
	key, _ := Derive("GET", "/", nil, "http://localhost")
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(key) {
		t.Fatalf("Key is %s", key)
	}
}

func TestKeySensitivity(t *testing.T) {
	base, _ := Derive("POST", "/v1/thing", []byte("body"), "http://upstream")
	variants := map[string]string{}
	variants["method"], _ = Derive("PUT", "/v1/thing", []byte("body"), "http://upstream")
	variants["path"], _ = Derive("POST", "/v1/other", []byte("body"), "http://upstream")
	variants["query"], _ = Derive("POST", "/v1/thing?q=1", []byte("body"), "http://upstream")
	variants["body"], _ = Derive("POST", "/v1/thing", []byte("body2"), "http://upstream")
	variants["target"], _ = Derive("POST", "/v1/thing", []byte("body"), "http://other-upstream")

	seen := map[string]string{base: "base"}
	for name, key := range variants {
		if other, ok := seen[key]; ok {
			t.Fatalf("Changing %s collides with %s (%s)", name, other, key)
		}
		seen[key] = name
	}
}

func TestCanonicalStringSortedFields(t *testing.T) {
	_, canonical := Derive("POST", "/p", []byte("<b>"), "http://u")
	want := `{"body":"<b>","method":"POST","path":"/p","redirect_url":"http://u"}`
	if canonical != want {
		t.Fatalf("Canonical string is %s", canonical)
	}
}

func TestInvalidUTF8BodyIsLossy(t *testing.T) {
	k1, canonical := Derive("POST", "/", []byte{'a', 0xff, 'b'}, "http://u")
	k2, _ := Derive("POST", "/", []byte("ab"), "http://u")
	if k1 != k2 {
		t.Fatalf("Invalid bytes were not dropped: %s", canonical)
	}
	if !strings.Contains(canonical, `"body":"ab"`) {
		t.Fatalf("Canonical string is %s", canonical)
	}
}

func TestFromRequest(t *testing.T) {
	r, _ := http.NewRequest("POST", "http://127.0.0.1:8080/v1/thing?x=1", nil)
	r.Header.Set(RedirectHeader, "https://api.example.com")
	got, _ := FromRequest(r, []byte(`{"a":1}`))
	want, _ := Derive("POST", "/v1/thing?x=1", []byte(`{"a":1}`), "https://api.example.com")
	if got != want {
		t.Fatalf("Key from request is %s, expected %s", got, want)
	}
}
