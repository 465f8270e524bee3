package sync

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// A FileRecord identifies a file by its name and the fingerprint of its
// contents.
type FileRecord struct {
	// Name is the file name relative to the application directory. It never
	// contains a path separator.
	Name string

	// Fingerprint is the CRC32 of the file's full contents.
	Fingerprint uint32
}

func (f FileRecord) String() string {
	return fmt.Sprintf("%s (%08x)", f.Name, f.Fingerprint)
}

// Inventory is the set of files held by a location, either the device or the
// local build output.
type Inventory []FileRecord

// Names returns the names of all the files in the inventory.
func (inv Inventory) Names() sets.String {
	names := sets.NewString()
	for _, f := range inv {
		names.Insert(f.Name)
	}
	return names
}

// A LocalFile is a deployable file in the build output directory.
type LocalFile struct {
	FileRecord

	// Path is the path that can be opened to read the file's contents.
	Path string

	// Size is the size of the file in bytes.
	Size int64
}

// LocalInventory is the ordered collection of deployable local files.
type LocalInventory []LocalFile

// Inventory strips the local metadata so that the local files can be
// compared with the device's.
func (local LocalInventory) Inventory() Inventory {
	inv := make(Inventory, 0, len(local))
	for _, f := range local {
		inv = append(inv, f.FileRecord)
	}
	return inv
}

// Get returns the local file with the given name.
func (local LocalInventory) Get(name string) (LocalFile, bool) {
	for _, f := range local {
		if f.Name == name {
			return f, true
		}
	}
	return LocalFile{}, false
}

// SyncPlan contains the operations required to make the device's files match
// the local inventory.
type SyncPlan struct {
	// ToDelete are the device files that don't exist locally.
	ToDelete sets.String

	// ToTransfer are the local files that are missing on the device or
	// whose contents differ. They're in the order of the local inventory.
	ToTransfer []string
}

// Empty returns whether the device is already in sync.
func (plan SyncPlan) Empty() bool {
	return plan.ToDelete.Len() == 0 && len(plan.ToTransfer) == 0
}

// Plan computes the SyncPlan that brings `remote` in line with `local`.
func Plan(local, remote Inventory) SyncPlan {
	return local.Diff(remote)
}

// Diff returns the files that need to be transferred to, or deleted from, the
// remote inventory. A local file only counts as present remotely if a remote
// file has the same name and the same fingerprint. Renamed files and files
// with changed contents are both transferred again.
func (inv Inventory) Diff(remote Inventory) SyncPlan {
	remoteFingerprints := make(map[string]uint32, len(remote))
	for _, f := range remote {
		remoteFingerprints[f.Name] = f.Fingerprint
	}

	plan := SyncPlan{ToDelete: sets.NewString()}
	for _, exp := range inv {
		curr, ok := remoteFingerprints[exp.Name]
		if !ok || curr != exp.Fingerprint {
			plan.ToTransfer = append(plan.ToTransfer, exp.Name)
		}
	}

	localNames := inv.Names()
	for _, curr := range remote {
		if !localNames.Has(curr.Name) {
			plan.ToDelete.Insert(curr.Name)
		}
	}
	return plan
}
