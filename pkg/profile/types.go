// Package profile loads the session-scoped host profile: the ephemeral identity seed held
// stable across frame reloads, the default injected configuration offered to operators, the
// child's landing path and named in-child routes.
package profile

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/officexapp/iframe-host/pkg/host"
)

// Profile is the root host profile document.
type Profile struct {
	Name string `json:"name"`
	// FramePath is the child path the iframe is opened at.
	FramePath string `json:"frame_path"`

	// Ephemeral seeds the ephemeral identity. Empty entropy is generated at startup.
	Ephemeral host.EphemeralConfig `json:"ephemeral"`

	// Injected is the injected configuration offered as a starting point. Optional.
	Injected *host.InjectedConfig `json:"injected,omitempty"`

	// Routes maps short names to in-child routes.
	Routes map[string]string `json:"routes,omitempty"`
}

// Resolved is a Profile prepared for lookups. It is read-only after creation.
type Resolved struct {
	name      string
	framePath string
	ephemeral host.EphemeralConfig
	injected  *host.InjectedConfig
	routes    map[string]string
}

// Resolve builds a Resolved profile, generating ephemeral entropy when the profile has none.
func Resolve(p *Profile) (*Resolved, error) {
	eph := p.Ephemeral
	if eph.OrgEntropy == "" || eph.ProfileEntropy == "" {
		generated, err := host.GenerateEphemeral()
		if err != nil {
			return nil, err
		}
		if eph.OrgEntropy == "" {
			eph.OrgEntropy = generated.OrgEntropy
		}
		if eph.ProfileEntropy == "" {
			eph.ProfileEntropy = generated.ProfileEntropy
		}
	}
	if eph.OrgName == "" {
		eph.OrgName = host.DefaultOrgName
	}
	if eph.ProfileName == "" {
		eph.ProfileName = host.DefaultProfileName
	}

	routes := make(map[string]string, len(p.Routes))
	for name, route := range p.Routes {
		routes[name] = route
	}

	var injected *host.InjectedConfig
	if p.Injected != nil {
		c := *p.Injected
		injected = &c
	}

	framePath := p.FramePath
	if framePath == "" {
		framePath = defaultFramePath
	}
	if !strings.HasPrefix(framePath, "/") {
		framePath = "/" + framePath
	}

	return &Resolved{
		name:      p.Name,
		framePath: framePath,
		ephemeral: eph,
		injected:  injected,
		routes:    routes,
	}, nil
}

// Name returns the profile name.
func (r *Resolved) Name() string { return r.name }

// FramePath returns the child path the iframe opens at.
func (r *Resolved) FramePath() string { return r.framePath }

// Ephemeral returns the session's ephemeral seed.
func (r *Resolved) Ephemeral() host.EphemeralConfig { return r.ephemeral }

// Route resolves a named route. Unknown names are returned unchanged so raw routes work too.
func (r *Resolved) Route(name string) string {
	if route, ok := r.routes[name]; ok {
		return route
	}
	return name
}

// RouteNames returns the configured route names in order.
func (r *Resolved) RouteNames() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InjectedJSON renders the default injected configuration for display, or "" when the
// profile has none. The API key is masked.
func (r *Resolved) InjectedJSON() string {
	if r.injected == nil {
		return ""
	}
	shown := *r.injected
	if shown.APIKeyValue != "" {
		shown.APIKeyValue = "<redacted>"
	}
	data, err := json.MarshalIndent(shown, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
