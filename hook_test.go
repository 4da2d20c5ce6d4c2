package replaycache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	cachekey "github.com/always-cache/replay-cache/pkg/cache-key"
)

func TestHookReturnsNewConfig(t *testing.T) {
	p := newTestProxy(t)
	orig := ClientConfig{BaseURL: "https://api.example.com/v1", Headers: http.Header{"Authorization": {"Bearer k"}}}

	hooked, err := p.Hook(context.Background(), orig)
	if err != nil {
		t.Fatal(err)
	}
	if hooked.BaseURL != p.Endpoint() {
		t.Fatalf("base url is %s", hooked.BaseURL)
	}
	if hooked.Headers.Get(cachekey.RedirectHeader) != "https://api.example.com/v1" {
		t.Fatalf("headers are %v", hooked.Headers)
	}
	if hooked.Headers.Get("Authorization") != "Bearer k" {
		t.Fatal("existing headers lost")
	}
	if orig.BaseURL != "https://api.example.com/v1" || orig.Headers.Get(cachekey.RedirectHeader) != "" {
		t.Fatal("input config was modified")
	}
}

func TestHookIsIdempotent(t *testing.T) {
	p := newTestProxy(t)
	once, err := p.Hook(context.Background(), ClientConfig{BaseURL: "https://api.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	twice, err := p.Hook(context.Background(), once)
	if err != nil {
		t.Fatal(err)
	}
	if twice.BaseURL != once.BaseURL || twice.Headers.Get(cachekey.RedirectHeader) != "https://api.example.com" {
		t.Fatalf("second hook changed the config: %+v", twice)
	}
	if len(twice.Headers.Values(cachekey.RedirectHeader)) != 1 {
		t.Fatal("redirect header duplicated")
	}
}

func TestHookMismatch(t *testing.T) {
	p := newTestProxy(t)
	cfg := ClientConfig{
		BaseURL: "http://somewhere.else/",
		Headers: http.Header{cachekey.RedirectHeader: {"https://api.example.com"}},
	}
	if _, err := p.Hook(context.Background(), cfg); !errors.Is(err, ErrHookMismatch) {
		t.Fatalf("expected ErrHookMismatch, got %v", err)
	}
}

func TestHookClient(t *testing.T) {
	o := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("path " + r.URL.RequestURI()))
	})
	p := newTestProxy(t)

	client, err := p.HookClient(context.Background(), &http.Client{})
	if err != nil {
		t.Fatal(err)
	}
	again, err := p.HookClient(context.Background(), client)
	if err != nil || again != client {
		t.Fatalf("hooking twice returned a different client (%v)", err)
	}

	for i := 0; i < 2; i++ {
		res, err := client.Get(o.URL + "/models?limit=1")
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if string(b) != "path /models?limit=1" {
			t.Fatalf("body is %s", b)
		}
	}
	if calls := o.calls.Load(); calls != 1 {
		t.Fatalf("origin called %d times", calls)
	}
}
