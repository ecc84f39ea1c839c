package lib

import (
	"fmt"
	"net"
	"net/url"
)

// ResolveDomain takes a domain name and returns its IP addresses.
func ResolveDomain(domain string) ([]net.IP, error) {
	ips, err := net.LookupIP(domain)
	if err != nil {
		return nil, err
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs found for domain %s", domain)
	}

	return ips, nil
}

// GetIPFromURL parses a URL, extracts the host and resolves it to IP
// addresses. Hosts that already are addresses resolve to themselves.
func GetIPFromURL(urlStr string) ([]net.IP, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}

	host := parsedURL.Hostname()

	parsedIP := net.ParseIP(host)
	if parsedIP != nil {
		return []net.IP{parsedIP}, nil
	}

	ips, err := ResolveDomain(host)
	if err != nil {
		return nil, err
	}

	return ips, nil
}
