package sync

import (
	"hash/crc32"
	"io"

	"github.com/spf13/afero"

	"github.com/sidkik/meadow/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Fingerprint returns the CRC-32 (IEEE polynomial) of `contents`. The device
// firmware computes the checksums it reports with the same polynomial, initial
// value and final xor, so the two can be compared directly.
func Fingerprint(contents []byte) uint32 {
	return crc32.ChecksumIEEE(contents)
}

// FingerprintFile returns the fingerprint and size of the file at the given
// path.
func FingerprintFile(path string) (uint32, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, 0, errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := crc32.NewIEEE()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return 0, 0, errors.WithContext(err, "read")
	}
	return hasher.Sum32(), n, nil
}
