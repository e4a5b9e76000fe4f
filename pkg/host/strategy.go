package host

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/officexapp/iframe-host/pkg/envelope"
)

const (
	strategyLogPrefix = "host:strategy"
	entropyBytes      = 16
)

// Names an ephemeral identity carries when the caller leaves them empty.
const (
	DefaultOrgName     = "Demo Org"
	DefaultProfileName = "Demo Profile"
)

// GenerateEphemeral creates a fresh ephemeral identity seed.
func GenerateEphemeral() (EphemeralConfig, error) {
	org, err := randomHex(entropyBytes)
	if err != nil {
		return EphemeralConfig{}, err
	}
	profile, err := randomHex(entropyBytes)
	if err != nil {
		return EphemeralConfig{}, err
	}
	return EphemeralConfig{
		OrgEntropy:     "org-" + org,
		ProfileEntropy: "profile-" + profile,
		OrgName:        DefaultOrgName,
		ProfileName:    DefaultProfileName,
	}, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// InitEphemeral initializes the child with the session's ephemeral seed. Every call sends
// the same seed, so reloads rebuild the same identity.
func (h *Host) InitEphemeral() (string, error) {
	eph := h.ephemeral
	slog.Info(fmt.Sprintf("%s - Initializing with %s", strategyLogPrefix, eph))
	return h.send(InitCommand{Mode: ModeEphemeral, Ephemeral: &eph})
}

// ParseInjected parses an operator-supplied injected configuration. Failures are
// InvalidConfig ProtocolErrors.
func ParseInjected(raw []byte) (InjectedConfig, error) {
	var cfg InjectedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return InjectedConfig{}, NewProtocolError(KindInvalidConfig, "invalid injected config JSON: "+err.Error(), "")
	}
	if err := cfg.Validate(); err != nil {
		return InjectedConfig{}, NewProtocolError(KindInvalidConfig, err.Error(), "")
	}
	return cfg, nil
}

// InitInjected parses raw and initializes the child with it. Nothing is posted when raw
// does not parse.
func (h *Host) InitInjected(raw []byte) (string, error) {
	cfg, err := ParseInjected(raw)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Rejected injected config: %v", strategyLogPrefix, err))
		return "", err
	}
	return h.InitWithInjected(cfg)
}

// InitWithInjected initializes the child with an already parsed injected config.
func (h *Host) InitWithInjected(cfg InjectedConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", NewProtocolError(KindInvalidConfig, err.Error(), "")
	}
	slog.Info(fmt.Sprintf("%s - Initializing with %s", strategyLogPrefix, cfg))
	return h.send(InitCommand{Mode: ModeInjected, Injected: &cfg})
}

// GrantURL builds the provider-hosted authorization URL for the grant-existing flow. An
// empty tracer is generated as "grant-{unixMillis}"; the tracer used is returned too.
func (h *Host) GrantURL(tracer, redirectURL string) (string, string) {
	if tracer == "" {
		tracer = envelope.NewTracer("grant", h.now())
	}
	q := url.Values{}
	q.Set("tracer", tracer)
	q.Set("redirect_url", redirectURL)
	path := h.config.GrantPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return h.config.ChildOrigin + path + "?" + q.Encode(), tracer
}
