// Package peer defines the opaque peer identity type shared across the
// upgrader, the muxed session, and the protocol switch.
package peer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ID is an opaque, hashable identifier for a participant in the network. It
// is derived from a public key by collaborators above this module; the core
// only stores and compares it.
type ID string

// Empty reports whether id carries no identity.
func (id ID) Empty() bool { return id == "" }

func (id ID) String() string { return string(id) }

// ErrEmptyKey is returned by FromPublicKey when given a zero-length key.
var ErrEmptyKey = errors.New("peer: empty public key")

// FromPublicKey derives an ID from a raw public key by hashing it. Real
// deployments identify peers by a multihash of their public key; this
// module has no reason to depend on a multihash/CID library since nothing
// else in the core touches content addressing, so a plain SHA-256 digest
// is used instead (see DESIGN.md).
func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	if len(pub) == 0 {
		return "", ErrEmptyKey
	}
	sum := sha256.Sum256(pub)
	return ID(hex.EncodeToString(sum[:])), nil
}
