// Package vault encrypts device secrets at rest.
//
// Ciphertexts are stored as printable strings:
//
//	enc:v1:<base64(nonce || ciphertext || tag)>
//
// The prefix is authenticated as additional data, so a value cannot be
// replayed under a different format version. The key is a process-wide 32 byte
// XChaCha20-Poly1305 key loaded once at startup and never mutated afterwards.
package vault

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize = chacha20poly1305.KeySize

	// Prefix marks a value produced by Encrypt.
	Prefix = "enc:v1:"
)

var (
	ErrKeyUnavailable = errors.New("vault key unavailable")
	ErrInvalidKey     = errors.New("invalid vault key")
)

// Vault encrypts and decrypts secrets. A Vault without a key still serves
// IsEncrypted and Available, every cryptographic call fails with ErrDecryptionFailed.
type Vault struct {
	aead cipher.AEAD
}

// New returns a Vault for key. A nil key returns a Vault without key material.
func New(key []byte) (*Vault, error) {
	if key == nil {
		return &Vault{}, nil
	}

	if len(key) != KeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "key is %d bytes, expected %d", len(key), KeySize)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}

	return &Vault{aead: aead}, nil
}

// Available reports whether the vault holds key material.
func (v *Vault) Available() bool {
	return v != nil && v.aead != nil
}

// Encrypt seals plaintext. The empty string means "no secret" and is stored as is.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	if !v.Available() {
		return "", ErrKeyUnavailable
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+v.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "generating nonce")
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(Prefix))

	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values that are not in the
// encrypted format are rejected, the vault never falls back to treating a
// stored value as plaintext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	if !v.Available() {
		return "", errors.Wrap(model.ErrDecryptionFailed, ErrKeyUnavailable.Error())
	}

	if !IsEncrypted(ciphertext) {
		return "", errors.Wrap(model.ErrDecryptionFailed, "value is not in encrypted format")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, Prefix))
	if err != nil {
		return "", errors.Wrap(model.ErrDecryptionFailed, "ciphertext encoding: "+err.Error())
	}

	if len(raw) < chacha20poly1305.NonceSizeX+v.aead.Overhead() {
		return "", errors.Wrap(model.ErrDecryptionFailed, "ciphertext too short")
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]

	plain, err := v.aead.Open(nil, nonce, sealed, []byte(Prefix))
	if err != nil {
		return "", errors.Wrap(model.ErrDecryptionFailed, "wrong key or tampered ciphertext")
	}

	return string(plain), nil
}

// DecryptCredentials returns the device's decrypted session credentials.
func (v *Vault) DecryptCredentials(d *model.Device) (*model.Credentials, error) {
	if !v.Available() {
		return nil, errors.Wrap(model.ErrDecryptionFailed, ErrKeyUnavailable.Error())
	}

	password, err := v.Decrypt(d.SSHPasswordCipher)
	if err != nil {
		return nil, errors.Wrap(err, "ssh password")
	}

	community, err := v.Decrypt(d.SNMPCommunityCipher)
	if err != nil {
		return nil, errors.Wrap(err, "snmp community")
	}

	return &model.Credentials{
		Username:      d.SSHUsername,
		Password:      password,
		SNMPCommunity: community,
	}, nil
}

// IsEncrypted reports whether s carries the encrypted value prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// LoadKey reads the vault key from the file at path, falling back to the
// environment variable envName. The key may be hex or base64 encoded.
// ErrKeyUnavailable is returned when neither source is set.
func LoadKey(path, envName string) ([]byte, error) {
	var data []byte

	switch {
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(ErrKeyUnavailable, err.Error())
		}

		data = b
	case envName != "" && os.Getenv(envName) != "":
		data = []byte(os.Getenv(envName))
	default:
		return nil, ErrKeyUnavailable
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.Wrap(ErrKeyUnavailable, "key is empty")
	}

	return decodeKey(string(trimmed))
}

// GenerateKey returns a new random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", errors.Wrap(err, "generating key")
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

func decodeKey(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}

	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, "key is neither hex nor base64")
	}

	if len(key) != KeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "key is %d bytes, expected %d", len(key), KeySize)
	}

	return key, nil
}
