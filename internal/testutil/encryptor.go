package testutil

import (
	"wsync-go/internal/encryption"
)

// NewTestEncryptor returns an encryptor that marks data instead of
// encrypting it, so tests can tell sealed bytes from plaintext.
func NewTestEncryptor() *encryption.MarkerEncryptor {
	return encryption.NewMarkerEncryptor()
}
