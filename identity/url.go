package identity

import (
	"net"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// NormalizeURL reduces a product URL to scheme://host/path so tracking
// parameters (srsltid, utm_*) and fragments don't break exact matching.
// Anything that is not an absolute URL is returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return raw
	}

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && defaultPorts[u.Scheme] != port {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return u.Scheme + "://" + host + path
}
