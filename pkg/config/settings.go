package config

import (
	homedir "github.com/mitchellh/go-homedir"

	"github.com/sidkik/meadow/pkg/errors"
)

const (
	// SettingsPath is the default path to the meadow settings.
	SettingsPath = "~/.meadow.yaml"

	// InitialSettingsVersion is the first version of the settings file.
	// Files that don't specify a version default to this version.
	InitialSettingsVersion = "v1alpha1"

	// SupportedSettingsVersion is the settings version understood by this
	// binary.
	SupportedSettingsVersion = "v1alpha1"

	// DefaultFirmwareDir is where downloaded Meadow OS packages are cached.
	// Each OS version is stored in a subdirectory named after the version.
	DefaultFirmwareDir = "~/.meadow/firmware"
)

// Settings are the user's preferences, persisted between runs.
type Settings struct {
	Version string `json:"version,omitempty"`

	// Route is the serial port of the last device the user selected.
	Route string `json:"route,omitempty"`

	FirmwareDir string `json:"firmwareDir,omitempty"`

	// FirmwareManifestURL lists the published Meadow OS versions. The
	// manifest isn't consulted when it's empty.
	FirmwareManifestURL string `json:"firmwareManifestURL,omitempty"`
}

func (s Settings) getVersion() string {
	return s.Version
}

// GetFirmwareDir returns the expanded path to the OS package cache.
func (s Settings) GetFirmwareDir() (string, error) {
	dir := s.FirmwareDir
	if dir == "" {
		dir = DefaultFirmwareDir
	}
	return homedirExpand(dir)
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseSettings parses the settings stored in the default path. Default
// settings are returned if the file doesn't exist yet.
func ParseSettings() (Settings, error) {
	path, err := GetSettingsPath()
	if err != nil {
		return Settings{}, errors.WithContext(err, "expand settings path")
	}

	settings := Settings{Version: InitialSettingsVersion}
	if err := parseConfig(path, &settings, SupportedSettingsVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Settings{Version: SupportedSettingsVersion}, nil
		}
		return Settings{}, errors.WithContext(err, "parse")
	}
	return settings, nil
}

// WriteSettings writes the given settings to disk.
func WriteSettings(settings Settings) error {
	settings.Version = SupportedSettingsVersion
	path, err := GetSettingsPath()
	if err != nil {
		return errors.WithContext(err, "expand settings path")
	}
	return writeConfig(path, settings)
}

// GetRoute returns the saved route, or an empty string if none has been
// saved.
func GetRoute() (string, error) {
	settings, err := ParseSettings()
	if err != nil {
		return "", err
	}
	return settings.Route, nil
}

// SaveRoute persists the route so that later commands use it by default.
func SaveRoute(route string) error {
	settings, err := ParseSettings()
	if err != nil {
		return errors.WithContext(err, "parse settings")
	}

	settings.Route = route
	return WriteSettings(settings)
}

// GetSettingsPath returns the path to the user's settings. This path is
// expanded, so it can be directly passed to file operations.
func GetSettingsPath() (string, error) {
	return homedirExpand(SettingsPath)
}
