// Package security provides input validation and log redaction for
// untrusted URLs and proxy endpoints. Target URLs come from API
// callers and must never reach internal networks or cloud metadata
// services through the engine.
package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private or internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
	ErrInvalidProxyURL  = errors.New("invalid proxy URL")
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

var allowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// metadataIPs are cloud provider metadata service addresses.
var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("169.254.170.2"),
	net.ParseIP("100.100.100.200"),
	net.ParseIP("192.0.0.192"),
	net.ParseIP("fd00:ec2::254"),
}

// ValidateTargetURL checks that a URL is safe to acquire. It rejects
// non-HTTP schemes, localhost and private addresses, cloud metadata
// endpoints, and the usual IP encoding bypasses (decimal, octal, hex,
// IPv4-mapped IPv6).
func ValidateTargetURL(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedScheme
	}

	hostname := strings.ToLower(parsed.Hostname())
	if blockedHosts[hostname] || isLocalhostName(hostname) {
		return ErrLocalhostBlocked
	}

	if ip := parseIPLenient(hostname); ip != nil {
		return validateIP(normalize4(ip))
	}

	// Resolution failures pass through; the driver surfaces them as a
	// DNS outcome.
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := validateIP(normalize4(ip)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateProxyURL checks a proxy endpoint. Private addresses are
// allowed when allowPrivate is set; local proxies are common.
func ValidateProxyURL(proxyURL string, allowPrivate bool) error {
	if proxyURL == "" {
		return nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return ErrInvalidProxyURL
	}
	if !allowedProxySchemes[strings.ToLower(parsed.Scheme)] {
		return ErrInvalidProxyURL
	}
	if parsed.Host == "" {
		return ErrInvalidProxyURL
	}
	if allowPrivate {
		return nil
	}

	hostname := strings.ToLower(parsed.Hostname())
	if blockedHosts[hostname] || isLocalhostName(hostname) {
		return ErrLocalhostBlocked
	}
	if ip := parseIPLenient(hostname); ip != nil {
		return validateIP(normalize4(ip))
	}
	return nil
}

// parseIPLenient parses an IP the way a browser would, including
// single-decimal (2130706433), octal (0177.0.0.1), hex (0x7f.0.0.1)
// and shortened (127.1) forms.
func parseIPLenient(hostname string) net.IP {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}
	if num, err := strconv.ParseUint(hostname, 10, 32); err == nil {
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	}

	parts := strings.Split(hostname, ".")
	switch len(parts) {
	case 4:
		var octets [4]byte
		for i, part := range parts {
			val, err := parseOctet(part)
			if err != nil || val > 255 {
				return nil
			}
			octets[i] = byte(val)
		}
		return net.IPv4(octets[0], octets[1], octets[2], octets[3])
	case 2:
		first, err1 := parseOctet(parts[0])
		rest, err2 := parseOctet(parts[1])
		if err1 == nil && err2 == nil && first <= 255 && rest <= 0xFFFFFF {
			return net.IPv4(byte(first), byte(rest>>16), byte(rest>>8), byte(rest))
		}
	}
	return nil
}

func parseOctet(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty component")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	if strings.HasPrefix(s, "0") && len(s) > 1 {
		return strconv.ParseUint(s[1:], 8, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func normalize4(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

func isLocalhostName(hostname string) bool {
	switch hostname {
	case "localhost", "localhost.localdomain", "local", "ip6-localhost", "ip6-loopback":
		return true
	}
	return strings.HasSuffix(hostname, ".localhost") || strings.HasPrefix(hostname, "localhost.")
}

func validateIP(ip net.IP) error {
	if ip.IsLoopback() {
		return ErrLocalhostBlocked
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}
	for _, m := range metadataIPs {
		if ip.Equal(m) {
			return ErrMetadataBlocked
		}
	}
	return nil
}

// SanitizeCookieDomain restricts a caller-supplied cookie domain to the
// target host or a parent of it. Anything else falls back to the
// target host so requests cannot plant cookies on arbitrary domains.
func SanitizeCookieDomain(domain, targetHost string) string {
	if domain == "" {
		return targetHost
	}
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	targetHost = strings.ToLower(targetHost)

	if domain == targetHost {
		return domain
	}
	if strings.HasSuffix(targetHost, "."+domain) && strings.Count(domain, ".") >= 1 {
		return domain
	}
	return targetHost
}
