// Package fingerprint is the static catalog of browser personas: paired
// TLS ClientHello templates and HTTP header sets that make an outbound
// handshake and request indistinguishable from a real browser build.
package fingerprint

import (
	"math/rand"

	utls "github.com/refraction-networking/utls"
)

// Persona is an immutable catalog entry. Chromium-family personas carry
// client-hints fields; Firefox/Safari/iOS personas leave them empty.
type Persona struct {
	Name             string
	ClientHelloID    utls.ClientHelloID
	UserAgent        string
	SecChUa          string
	SecChUaPlatform  string
	AcceptLanguage   string
	Accept           string
}

// Registry is the static, ordered list of personas. It never changes
// after construction.
type Registry struct {
	personas []Persona
}

// Default builds the registry covering Chrome (Windows/macOS/Linux), Edge,
// Firefox, Safari (macOS) and iOS Safari.
func Default() *Registry {
	return &Registry{
		personas: []Persona{
			{
				Name:            "chrome-windows",
				ClientHelloID:   utls.HelloChrome_120,
				UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				SecChUa:         `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
				SecChUaPlatform: `"Windows"`,
				AcceptLanguage:  "en-US,en;q=0.9",
				Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			},
			{
				Name:            "chrome-macos",
				ClientHelloID:   utls.HelloChrome_120,
				UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				SecChUa:         `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
				SecChUaPlatform: `"macOS"`,
				AcceptLanguage:  "en-US,en;q=0.9",
				Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			},
			{
				Name:            "chrome-linux",
				ClientHelloID:   utls.HelloChrome_106_Shuffle,
				UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/106.0.0.0 Safari/537.36",
				SecChUa:         `"Chromium";v="106", "Google Chrome";v="106", "Not;A=Brand";v="99"`,
				SecChUaPlatform: `"Linux"`,
				AcceptLanguage:  "en-US,en;q=0.9",
				Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			},
			{
				Name:            "edge-windows",
				ClientHelloID:   utls.HelloChrome_115_PQ,
				UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36 Edg/115.0.1901.183",
				SecChUa:         `"Not/A)Brand";v="99", "Microsoft Edge";v="115", "Chromium";v="115"`,
				SecChUaPlatform: `"Windows"`,
				AcceptLanguage:  "en-US,en;q=0.9",
				Accept:          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			},
			{
				Name:           "firefox-windows",
				ClientHelloID:  utls.HelloFirefox_120,
				UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
				AcceptLanguage: "en-US,en;q=0.5",
				Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			},
			{
				Name:           "safari-macos",
				ClientHelloID:  utls.HelloSafari_16_0,
				UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15",
				AcceptLanguage: "en-US,en;q=0.9",
				Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			},
			{
				Name:           "safari-ios",
				ClientHelloID:  utls.HelloIOS_14,
				UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
				AcceptLanguage: "en-US,en;q=0.9",
				Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			},
		},
	}
}

// Names returns the persona names, in catalog order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.personas))
	for i, p := range r.personas {
		names[i] = p.Name
	}
	return names
}

// Random picks a persona uniformly at random, for first-use assignment to
// a source IP. The caller's binding then locks the choice for the life of
// the binding.
func (r *Registry) Random() Persona {
	return r.personas[rand.Intn(len(r.personas))]
}

// ByName looks up a persona by name, for deterministic tests and probes.
func (r *Registry) ByName(name string) (Persona, bool) {
	for _, p := range r.personas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}

// IsChromium reports whether the persona carries client-hints headers.
func (p Persona) IsChromium() bool {
	return p.SecChUa != ""
}
