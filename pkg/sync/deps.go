package sync

import (
	"encoding/json"
	"path"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/meadow/pkg/errors"
)

// depsManifest is the subset of the `.deps.json` file written by `dotnet
// build` that's needed to walk the entry assembly's references.
type depsManifest struct {
	RuntimeTarget struct {
		Name string `json:"name"`
	} `json:"runtimeTarget"`
	Targets map[string]map[string]depsLibrary `json:"targets"`
}

type depsLibrary struct {
	Dependencies map[string]string      `json:"dependencies"`
	Runtime      map[string]interface{} `json:"runtime"`
}

// depsManifestPath returns the dependency manifest that belongs to the entry
// assembly. For example, `App.dll` is described by `App.deps.json`.
func depsManifestPath(dir, entryAssembly string) string {
	return filepath.Join(dir, assemblyName(entryAssembly)+".deps.json")
}

func assemblyName(fileName string) string {
	return strings.TrimSuffix(strings.TrimSuffix(fileName, ".dll"), ".exe")
}

// ResolveDependencies returns the file names of the assemblies that are
// reachable from the entry assembly according to the dependency manifest at
// `manifestPath`. The entry assembly itself is always part of the result.
// Names are returned sorted.
func ResolveDependencies(manifestPath, entryAssembly string) ([]string, error) {
	manifestBytes, err := afero.ReadFile(fs, manifestPath)
	if err != nil {
		return nil, errors.WithContext(err, "read manifest")
	}

	var manifest depsManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, errors.WithContext(err, "parse manifest")
	}

	libraries, err := manifest.target()
	if err != nil {
		return nil, err
	}

	entryName := assemblyName(entryAssembly)
	entryKey, ok := findLibrary(libraries, entryName)
	if !ok {
		return nil, errors.New("entry assembly %q is not described by the manifest", entryName)
	}

	assemblies := map[string]struct{}{entryAssembly: {}}
	visited := map[string]struct{}{}
	queue := []string{entryKey}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if _, ok := visited[key]; ok {
			continue
		}
		visited[key] = struct{}{}

		lib, ok := libraries[key]
		if !ok {
			// References without an entry are provided by the framework.
			log.WithField("library", key).Debug("Skipping dependency that isn't part of the build")
			continue
		}

		for asset := range lib.Runtime {
			assemblies[path.Base(asset)] = struct{}{}
		}

		var deps []string
		for name, version := range lib.Dependencies {
			deps = append(deps, name+"/"+version)
		}
		sort.Strings(deps)
		queue = append(queue, deps...)
	}

	var names []string
	for name := range assemblies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (manifest depsManifest) target() (map[string]depsLibrary, error) {
	if libraries, ok := manifest.Targets[manifest.RuntimeTarget.Name]; ok {
		return libraries, nil
	}

	if len(manifest.Targets) == 1 {
		for _, libraries := range manifest.Targets {
			return libraries, nil
		}
	}
	return nil, errors.New("runtime target %q not found", manifest.RuntimeTarget.Name)
}

func findLibrary(libraries map[string]depsLibrary, name string) (string, bool) {
	for key := range libraries {
		if strings.EqualFold(strings.SplitN(key, "/", 2)[0], name) {
			return key, true
		}
	}
	return "", false
}
