// Package vault encrypts runtime credentials (API tokens handed to
// worker runtimes) at rest. The store holds only ciphertext plus the
// per-entry salt and nonce needed to open it again.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// Vault provides AES-256-GCM encryption with keys derived from a
// passphrase via Argon2id. Every entry carries its own random salt, so
// no two credentials share a key even under the same passphrase.
type Vault struct {
	passphrase []byte
}

func New(passphrase string) *Vault {
	return &Vault{passphrase: []byte(passphrase)}
}

func (v *Vault) key(salt []byte) []byte {
	return argon2.IDKey(v.passphrase, salt, 1, 64*1024, 4, 32)
}

// Encrypt seals plaintext under a freshly derived key. The returned
// salt and nonce are not secret and must be stored with the ciphertext.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce, salt []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, nil, fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, salt, nil
}

// Decrypt opens ciphertext sealed by Encrypt with the same passphrase.
func (v *Vault) Decrypt(ciphertext, nonce, salt []byte) ([]byte, error) {
	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key(salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
