package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"ebicsgw/fault"
)

// Password-based wrapping of subscriber keys for backup export. The blob is
// salt || nonce || AES-256-GCM(pkcs8). Only user-invoked export/import uses
// this; keys at rest in the database stay in plain PKCS#8 rows.

const (
	wrapSaltLen   = 16
	wrapIterCount = 100_000
	wrapKeyLen    = 32
)

// WrapPrivateKey encrypts a private key under a passphrase.
func WrapPrivateKey(key *rsa.PrivateKey, passphrase string) ([]byte, error) {
	der, err := MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, wrapSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "generate salt")
	}
	aead, err := wrapAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "generate nonce")
	}
	blob := append(append([]byte{}, salt...), nonce...)
	return aead.Seal(blob, nonce, der, nil), nil
}

// UnwrapPrivateKey reverses WrapPrivateKey. A wrong passphrase fails the GCM
// tag check and surfaces as a crypto fault.
func UnwrapPrivateKey(blob []byte, passphrase string) (*rsa.PrivateKey, error) {
	if len(blob) < wrapSaltLen {
		return nil, fault.New(fault.Crypto, "backup blob too short")
	}
	salt := blob[:wrapSaltLen]
	aead, err := wrapAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	rest := blob[wrapSaltLen:]
	if len(rest) < aead.NonceSize() {
		return nil, fault.New(fault.Crypto, "backup blob too short")
	}
	nonce := rest[:aead.NonceSize()]
	der, err := aead.Open(nil, nonce, rest[aead.NonceSize():], nil)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "wrong passphrase or corrupted backup")
	}
	return ParsePrivateKey(der)
}

func wrapAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, wrapIterCount, wrapKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "derive wrapping key")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "init gcm")
	}
	return aead, nil
}
