package sync

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/meadow/pkg/errors"
)

// DefaultEntryAssembly is the name of the assembly that the Meadow runtime
// launches.
const DefaultEntryAssembly = "App.dll"

var (
	assemblyExtensions = []string{".dll", ".exe"}

	// Content files are read by the application at runtime, so they're
	// deployed regardless of the dependency graph.
	contentExtensions = []string{
		".bmp", ".jpg", ".jpeg", ".png",
		".txt", ".config", ".json",
		".xml", ".yaml", ".yml",
	}

	// Build metadata that matches the content extensions but is useless on
	// the device.
	buildMetadataSuffixes = []string{".deps.json", ".runtimeconfig.json", ".runtimeconfig.dev.json"}
)

// SnapshotOptions controls which files of the build output are deployable.
type SnapshotOptions struct {
	// EntryAssembly is the file name of the application's entry point.
	// Defaults to DefaultEntryAssembly.
	EntryAssembly string

	// IncludeSymbols adds the .pdb file of every deployed assembly. It's set
	// for debug builds so that the debugger can resolve source locations.
	IncludeSymbols bool
}

// SnapshotLocal returns the deployable files in `dir`.
// If the build produced a dependency manifest for the entry assembly, only the
// assemblies reachable from the entry assembly are deployed. Otherwise, every
// assembly at the top level of `dir` is. Content files at the top level are
// deployed in both cases.
func SnapshotLocal(dir string, opts SnapshotOptions) (LocalInventory, error) {
	if opts.EntryAssembly == "" {
		opts.EntryAssembly = DefaultEntryAssembly
	}

	entryPath := filepath.Join(dir, opts.EntryAssembly)
	if _, err := fs.Stat(entryPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: entryPath}
		}
		return nil, errors.WithContext(err, "stat entry assembly")
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, "list output directory")
	}

	present := map[string]bool{}
	for _, fi := range entries {
		if !fi.IsDir() {
			present[fi.Name()] = true
		}
	}

	assemblies, err := selectAssemblies(dir, opts.EntryAssembly, present)
	if err != nil {
		return nil, err
	}

	selected := map[string]struct{}{}
	for _, name := range assemblies {
		selected[name] = struct{}{}
		if opts.IncludeSymbols {
			pdb := strings.TrimSuffix(name, filepath.Ext(name)) + ".pdb"
			if present[pdb] {
				selected[pdb] = struct{}{}
			}
		}
	}

	for name := range present {
		if isContentFile(name) {
			selected[name] = struct{}{}
		}
	}

	var names []string
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)

	local := make(LocalInventory, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		fingerprint, size, err := FingerprintFile(path)
		if err != nil {
			return nil, errors.WithContext(err, "fingerprint "+name)
		}

		local = append(local, LocalFile{
			FileRecord: FileRecord{Name: name, Fingerprint: fingerprint},
			Path:       path,
			Size:       size,
		})
	}
	return local, nil
}

// selectAssemblies returns the assemblies in the output directory that should
// be deployed.
func selectAssemblies(dir, entryAssembly string, present map[string]bool) ([]string, error) {
	manifestPath := depsManifestPath(dir, entryAssembly)
	if !present[filepath.Base(manifestPath)] {
		log.WithField("dir", dir).Debug(
			"No dependency manifest found. Deploying all assemblies in the output directory.")

		var assemblies []string
		for name := range present {
			if hasExtension(name, assemblyExtensions) {
				assemblies = append(assemblies, name)
			}
		}
		return assemblies, nil
	}

	closure, err := ResolveDependencies(manifestPath, entryAssembly)
	if err != nil {
		return nil, errors.WithContext(err, "resolve dependencies")
	}

	var assemblies []string
	for _, name := range closure {
		if !present[name] {
			log.WithField("assembly", name).Debug(
				"Referenced assembly isn't in the output directory. " +
					"Assuming the device runtime provides it.")
			continue
		}
		assemblies = append(assemblies, name)
	}
	return assemblies, nil
}

func isContentFile(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range buildMetadataSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}
	return hasExtension(name, contentExtensions)
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range extensions {
		if ext == candidate {
			return true
		}
	}
	return false
}
