package security

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter name fragments that likely carry
// secrets.
var sensitiveParams = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"api-key", "auth", "bearer", "credential", "key", "session", "sid",
}

// RedactURL strips credentials and secret-looking query parameters
// from a URL before it reaches a log line.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for key := range q {
			lower := strings.ToLower(key)
			for _, p := range sensitiveParams {
				if strings.Contains(lower, p) {
					q[key] = []string{"[REDACTED]"}
					break
				}
			}
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

// RedactProxyURL masks the password in a proxy URL.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if parsed.User != nil {
		if _, has := parsed.User.Password(); has {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}
	return parsed.String()
}

// ProxyCredentials extracts embedded credentials from a proxy URL.
// ok is false when the URL carries none.
func ProxyCredentials(proxyURL string) (username, password string, ok bool) {
	if proxyURL == "" {
		return "", "", false
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.User == nil {
		return "", "", false
	}
	username = parsed.User.Username()
	password, _ = parsed.User.Password()
	return username, password, username != ""
}
