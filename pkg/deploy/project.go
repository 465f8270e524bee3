package deploy

import (
	"path/filepath"
	"strings"

	"github.com/sidkik/meadow/pkg/sync"
)

// DeployableAssembly is the name of the assembly built by the project that
// runs on the device. Other projects, such as libraries, are never deployed.
const DeployableAssembly = "App"

// Project describes the build output of a project.
type Project struct {
	// OutputDir is the directory containing the build output.
	OutputDir string

	// AssemblyName is the name of the entry assembly, without its
	// extension.
	AssemblyName string

	// Debug is whether the output was built in the debug configuration.
	// Debug symbols are only deployed for debug builds.
	Debug bool
}

// IsDeployableApp returns whether the project builds the device
// application.
func (p Project) IsDeployableApp() bool {
	return strings.EqualFold(p.AssemblyName, DeployableAssembly)
}

func (p Project) snapshotOptions() sync.SnapshotOptions {
	return sync.SnapshotOptions{
		EntryAssembly:  p.AssemblyName + ".dll",
		IncludeSymbols: p.Debug,
	}
}

func (p Project) String() string {
	config := "Release"
	if p.Debug {
		config = "Debug"
	}
	return filepath.Join(p.OutputDir, p.AssemblyName) + " (" + config + ")"
}
