// Package assets embeds the static files served by the HTTP surface,
// so deployment stays a single binary.
package assets

import (
	"embed"
	"html"
	"html/template"
	"regexp"
)

//go:embed templates/*.html
var templates embed.FS

var index = template.Must(template.ParseFS(templates, "templates/index.html"))

// Index returns the parsed status page template.
func Index() *template.Template {
	return index
}

// versionSanitizer keeps only characters that are safe inside markup.
var versionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.\-_+ ()]`)

// SanitizeVersion strips characters that could break out of the status
// page markup. The version string comes from build-time ldflags, which
// some CI setups let contributors influence.
func SanitizeVersion(version string) string {
	sanitized := versionSanitizer.ReplaceAllString(html.EscapeString(version), "")
	if sanitized == "" {
		return "unknown"
	}
	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}
	return sanitized
}
