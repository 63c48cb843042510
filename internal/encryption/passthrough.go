package encryption

import (
	"bytes"
	"fmt"
	"io"

	"wsync-go/internal/wsync"
)

// PlainEncryptor stores documents unencrypted. It backs encryption type
// "none" so callers never need a nil check.
type PlainEncryptor struct{}

var (
	_ wsync.Encryptor         = PlainEncryptor{}
	_ wsync.DecryptionContext = PlainEncryptor{}
)

func (PlainEncryptor) Setup(string) error { return nil }

func (PlainEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (PlainEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e PlainEncryptor) Unlock(string) (wsync.DecryptionContext, error) { return e, nil }

func (PlainEncryptor) IsConfigured() bool { return true }

// markerHeader is prepended by MarkerEncryptor.
var markerHeader = []byte("WSENC\x00\x00\x01")

// MarkerEncryptor is a deterministic stand-in for tests. It prepends a
// fixed header so sealed bytes differ from plaintext and are rejected by a
// document decoder that was handed them unopened.
type MarkerEncryptor struct {
	setupCalled bool
}

var _ wsync.Encryptor = (*MarkerEncryptor)(nil)

func NewMarkerEncryptor() *MarkerEncryptor {
	return &MarkerEncryptor{}
}

func (e *MarkerEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *MarkerEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(markerHeader); err != nil {
		return fmt.Errorf("writing marker header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *MarkerEncryptor) Unlock(passphrase string) (wsync.DecryptionContext, error) {
	return markerDecryptor{}, nil
}

func (e *MarkerEncryptor) IsConfigured() bool { return true }

type markerDecryptor struct{}

func (markerDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(markerHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading marker header: %w", err)
	}
	if !bytes.Equal(header, markerHeader) {
		return fmt.Errorf("invalid marker header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

// Seal encrypts a whole document in memory.
func Seal(e wsync.Encryptor, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(data), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Open decrypts a whole document in memory.
func Open(dc wsync.DecryptionContext, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(data), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
