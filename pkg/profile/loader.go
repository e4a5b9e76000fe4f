package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/officexapp/iframe-host/pkg/host"
)

const (
	logPrefix        = "profile:loader"
	defaultFramePath = "/org/current/drive/BROWSER_CACHE/DiskID_offline-local-browser-cache/FolderID_root-folder-offline-local-browser-cache/"
)

// LoadProfile loads the host profile from file paths or environment.
// It tries paths in order: first any paths passed in, then HOST_PROFILE_FILE env, then defaults.
func LoadProfile(paths ...string) (*Profile, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("HOST_PROFILE_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/host-profile.json", "host-profile.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var prof Profile
		if err := json.Unmarshal(data, &prof); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse profile file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded host profile from %s", logPrefix, p))
		return MergeProfiles(DefaultProfile(), &prof), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default host profile", logPrefix))
	return DefaultProfile(), nil
}

// DefaultProfile returns the built-in profile. Its ephemeral entropy is left empty so each
// host process generates its own.
func DefaultProfile() *Profile {
	return &Profile{
		Name:      "officex-demo",
		FramePath: defaultFramePath,
		Ephemeral: host.EphemeralConfig{
			OrgName:     host.DefaultOrgName,
			ProfileName: host.DefaultProfileName,
		},
		Routes: map[string]string{
			"settings": "org/current/settings",
			"drive":    "org/current/drive",
		},
	}
}

// MergeProfiles merges an override profile into a base profile.
func MergeProfiles(base, override *Profile) *Profile {
	merged := *base

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.FramePath != "" {
		merged.FramePath = override.FramePath
	}
	if override.Ephemeral.OrgEntropy != "" {
		merged.Ephemeral.OrgEntropy = override.Ephemeral.OrgEntropy
	}
	if override.Ephemeral.ProfileEntropy != "" {
		merged.Ephemeral.ProfileEntropy = override.Ephemeral.ProfileEntropy
	}
	if override.Ephemeral.OrgName != "" {
		merged.Ephemeral.OrgName = override.Ephemeral.OrgName
	}
	if override.Ephemeral.ProfileName != "" {
		merged.Ephemeral.ProfileName = override.Ephemeral.ProfileName
	}
	if override.Injected != nil {
		merged.Injected = override.Injected
	}

	merged.Routes = make(map[string]string, len(base.Routes)+len(override.Routes))
	for name, route := range base.Routes {
		merged.Routes[name] = route
	}
	for name, route := range override.Routes {
		merged.Routes[name] = route
	}

	return &merged
}
