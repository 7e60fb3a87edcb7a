package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// lookupHost is replaced in tests.
var lookupHost = net.LookupHost

// ValidateUpstreamURL checks that a configured upstream (analytics provider,
// JSON-RPC node) is a public http(s) endpoint. With requireTLS only https is
// accepted. Private, loopback, link-local and unspecified addresses are
// rejected, both as literals and after DNS resolution.
func ValidateUpstreamURL(rawURL string, requireTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q", rawURL)
	}

	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !requireTLS:
	case u.Scheme == "http":
		return fmt.Errorf("URL %q must use https", rawURL)
	default:
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL %q must have a host", rawURL)
	}

	for _, b := range []string{"localhost", "metadata.google.internal"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	ips, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host %s: %w", host, err)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback address %s is not allowed", ip)
	case ip.IsPrivate():
		return fmt.Errorf("private address %s is not allowed", ip)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local address %s is not allowed", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified address %s is not allowed", ip)
	}
	return nil
}
