package replaycache

import (
	"context"
	"net/http"
	"net/url"

	cachekey "github.com/always-cache/replay-cache/pkg/cache-key"
)

// ClientConfig is the part of an API client's configuration that decides where requests go.
type ClientConfig struct {
	BaseURL string
	Headers http.Header
}

// Hook returns cfg rerouted through the proxy, starting the proxy if needed.
// The original base URL moves to the X-Cache-Redirect-To header and the base URL becomes the proxy endpoint.
// cfg itself is not modified. Hooking an already hooked config returns it unchanged.
func (p *Proxy) Hook(ctx context.Context, cfg ClientConfig) (ClientConfig, error) {
	endpoint, err := p.EnsureStarted(ctx)
	if err != nil {
		return cfg, err
	}
	if cfg.Headers.Get(cachekey.RedirectHeader) != "" {
		if cfg.BaseURL != endpoint {
			return cfg, ErrHookMismatch
		}
		return cfg, nil
	}

	headers := cfg.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set(cachekey.RedirectHeader, cfg.BaseURL)
	return ClientConfig{
		BaseURL: endpoint,
		Headers: headers,
	}, nil
}

// HookClient returns a copy of client whose requests go through the proxy, starting the proxy if needed.
// Each request keeps its path and query; its scheme and host become the X-Cache-Redirect-To header.
// Hooking an already hooked client returns it unchanged.
func (p *Proxy) HookClient(ctx context.Context, client *http.Client) (*http.Client, error) {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint, err := p.EnsureStarted(ctx)
	if err != nil {
		return nil, err
	}
	if t, ok := client.Transport.(*hookTransport); ok {
		if t.proxy.String() != endpoint {
			return nil, ErrHookMismatch
		}
		return client, nil
	}
	proxyURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	hooked := *client
	hooked.Transport = &hookTransport{
		base:  client.Transport,
		proxy: proxyURL,
	}
	return &hooked, nil
}

type hookTransport struct {
	base  http.RoundTripper
	proxy *url.URL
}

func (t *hookTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	// already addressed to the proxy
	if req.URL.Host == t.proxy.Host && req.Header.Get(cachekey.RedirectHeader) != "" {
		return base.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set(cachekey.RedirectHeader, req.URL.Scheme+"://"+req.URL.Host)
	r.URL.Scheme = t.proxy.Scheme
	r.URL.Host = t.proxy.Host
	r.Host = t.proxy.Host
	return base.RoundTrip(r)
}
