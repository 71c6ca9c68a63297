package httputil

import (
	"net/http"
	"time"

	"catalog_sync/config"
)

const userAgent = "catalog-sync/1.0"

type Clients struct {
	API *http.Client // direct, for Supabase REST
}

func NewClients(cfg *config.SupabaseConfig) *Clients {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	transport.IdleConnTimeout = 90 * time.Second

	return &Clients{
		API: &http.Client{
			Timeout:   timeout,
			Transport: &uaTransport{base: transport},
		},
	}
}

// uaTransport stamps outgoing requests with the service user agent
type uaTransport struct {
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.base.RoundTrip(req)
}
