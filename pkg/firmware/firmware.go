// Package firmware checks whether the host has the Meadow OS package that
// matches an attached device.
//
// Packages are cached in a directory with one subdirectory per OS version.
// When the package for a device isn't cached, the published manifest is
// consulted so that the user can be told whether the version can be
// downloaded at all.
package firmware

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	goversion "github.com/hashicorp/go-version"
	"github.com/spf13/afero"

	"github.com/sidkik/meadow/pkg/errors"
)

// MinimumOSVersion is the oldest Meadow OS that deployments support.
const MinimumOSVersion = "1.0.0"

const defaultTimeout = 10 * time.Second

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Manifest lists the published OS packages.
type Manifest struct {
	Versions []Release `json:"versions"`
}

// Release is a published OS package.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

// Checker checks the OS version of attached devices.
type Checker struct {
	// CacheDir is the expanded path to the OS package cache.
	CacheDir string

	// ManifestURL is optional.
	ManifestURL string

	Client *http.Client
}

// NewChecker returns a Checker that uses a client with a timeout.
func NewChecker(cacheDir, manifestURL string) Checker {
	return Checker{
		CacheDir:    cacheDir,
		ManifestURL: manifestURL,
		Client:      &http.Client{Timeout: defaultTimeout},
	}
}

// Check returns an error describing why `osVersion` may not work with this
// host. Network failures are returned as an OfflineDependencyError.
func (c Checker) Check(ctx context.Context, osVersion string) error {
	deviceVersion, err := goversion.NewVersion(osVersion)
	if err != nil {
		return errors.WithContext(err, "parse OS version")
	}

	minVersion := goversion.Must(goversion.NewVersion(MinimumOSVersion))
	if deviceVersion.LessThan(minVersion) {
		return errors.NewFriendlyError("Meadow OS v%s is older than the "+
			"minimum supported version v%s. Please update the device's OS.",
			osVersion, MinimumOSVersion)
	}

	cached, err := c.isCached(osVersion)
	if err != nil {
		return errors.WithContext(err, "check cache")
	}
	if cached {
		return nil
	}

	if c.ManifestURL == "" {
		return errors.New("Meadow OS v%s package isn't in %s", osVersion, c.CacheDir)
	}

	manifest, err := c.getManifest(ctx)
	if err != nil {
		if offlineErr, ok := err.(errors.OfflineDependencyError); ok {
			offlineErr.OSVersion = osVersion
			return offlineErr
		}
		return errors.WithContext(err, "get manifest")
	}

	if _, ok := manifest.find(deviceVersion); !ok {
		return errors.New("Meadow OS v%s isn't a published release", osVersion)
	}
	return errors.New("Meadow OS v%s package hasn't been downloaded to %s", osVersion, c.CacheDir)
}

func (c Checker) isCached(osVersion string) (bool, error) {
	return afero.DirExists(fs, filepath.Join(c.CacheDir, osVersion))
}

func (c Checker) getManifest(ctx context.Context) (Manifest, error) {
	req, err := http.NewRequest("GET", c.ManifestURL, nil)
	if err != nil {
		return Manifest{}, errors.WithContext(err, "new request")
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return Manifest{}, errors.OfflineDependencyError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("server responded with %s", resp.Status)
	}

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, errors.OfflineDependencyError{Cause: err}
	}

	// The manifest is JSON, which the YAML parser accepts.
	var manifest Manifest
	if err := yaml.Unmarshal(body, &manifest); err != nil {
		return Manifest{}, errors.WithContext(err, "parse")
	}
	return manifest, nil
}

// find returns the release matching `v`. Versions are compared semantically
// so that "1.2" matches "1.2.0".
func (manifest Manifest) find(v *goversion.Version) (Release, bool) {
	for _, release := range manifest.Versions {
		releaseVersion, err := goversion.NewVersion(release.Version)
		if err != nil {
			continue
		}
		if releaseVersion.Equal(v) {
			return release, true
		}
	}
	return Release{}, false
}
