// Package sync implements the deployment sync algorithm. It decides which
// files have to be removed from a Meadow and which have to be written to it so
// that the device holds exactly the deployable build output.
//
// There are two inventories:
//
//  1. The LocalInventory: the deployable files in the build output directory.
//     It's either the dependency closure of the entry assembly, or, when the
//     build didn't produce a dependency manifest, every deployable file at the
//     top level of the directory.
//  2. The remote Inventory: the files the device reports, along with the
//     CRC32 it computed over each of them.
//
// Files are compared by name and CRC32 only. A file is already present on the
// device only if a remote record has both the same name and the same
// fingerprint. Both inventories are rebuilt on every deployment since the
// device can change between runs, so a deployment that was interrupted is
// finished by simply deploying again.
//
// The package never talks to the device. Executing a SyncPlan is the job of
// the deploy package.
package sync
