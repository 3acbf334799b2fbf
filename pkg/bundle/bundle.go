// Package bundle implements the LMWB (Lumatrix Web Bundle) header format.
// A bundle is a single stream that carries a firmware image immediately
// followed by a filesystem image behind a fixed 16-byte header.
package bundle

import (
	"encoding/binary"
)

// HeaderSize is the fixed size of the bundle header in bytes.
const HeaderSize = 16

// Magic is the tag that identifies a bundle stream.
var Magic = [4]byte{'L', 'M', 'W', 'B'}

// IsBundle returns whether the provided header carries the bundle magic.
// The header must be at least four bytes long.
func IsBundle(header []byte) bool {
	// check length
	if len(header) < len(Magic) {
		return false
	}

	return header[0] == Magic[0] && header[1] == Magic[1] &&
		header[2] == Magic[2] && header[3] == Magic[3]
}

// ParseHeader decodes the firmware and filesystem image sizes from a full
// header. Bytes 12 to 15 are reserved and ignored. Nonsensical sizes are not
// rejected here; the update session enforces its running size invariant.
func ParseHeader(header []byte) (appSize, fsSize uint32) {
	// decode sizes
	appSize = binary.LittleEndian.Uint32(header[4:8])
	fsSize = binary.LittleEndian.Uint32(header[8:12])

	return appSize, fsSize
}

// EncodeHeader assembles a header for the provided image sizes. It is used
// by tests and tooling that produce bundles.
func EncodeHeader(appSize, fsSize uint32) []byte {
	// prepare header
	header := make([]byte, HeaderSize)
	copy(header, Magic[:])
	binary.LittleEndian.PutUint32(header[4:8], appSize)
	binary.LittleEndian.PutUint32(header[8:12], fsSize)

	return header
}
