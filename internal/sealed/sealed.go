// ABOUTME: age X25519 sealing of credential blobs stored on disk
// ABOUTME: Identity file loading and creation, Seal/Open helpers

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// ErrNoIdentity is returned when an identity file contains no X25519 identity.
var ErrNoIdentity = errors.New("no X25519 identity found")

// Box seals and opens blobs with a single age identity.
type Box struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewBox wraps an existing identity.
func NewBox(identity *age.X25519Identity) *Box {
	return &Box{identity: identity, recipient: identity.Recipient()}
}

// GenerateBox creates a Box with a fresh identity. Useful for tests and for
// one-shot tooling; the identity is lost when the process exits.
func GenerateBox() (*Box, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	return NewBox(identity), nil
}

// LoadIdentity reads an age identity file and returns a Box for the first
// X25519 identity in it.
func LoadIdentity(path string) (*Box, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return NewBox(x), nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, ErrNoIdentity)
}

// LoadOrCreateIdentity loads the identity at path, generating and writing a
// new one if the file does not exist.
func LoadOrCreateIdentity(path string) (*Box, bool, error) {
	box, err := LoadIdentity(path)
	if err == nil {
		return box, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	box, err = GenerateBox()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("creating identity directory: %w", err)
	}

	content := fmt.Sprintf("# public key: %s\n%s\n", box.Recipient(), box.identity.String())
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return nil, false, fmt.Errorf("writing identity file: %w", err)
	}
	return box, true, nil
}

// Recipient returns the public age1... recipient string.
func (b *Box) Recipient() string {
	if b == nil {
		return ""
	}
	return b.recipient.String()
}

// Seal encrypts plaintext. A nil Box returns plaintext unchanged.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	if b == nil {
		return plaintext, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal. A nil Box returns ciphertext unchanged.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if b == nil {
		return ciphertext, nil
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), b.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	return plaintext, nil
}
