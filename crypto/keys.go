package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"ebicsgw/fault"
)

// KeyBits is the RSA modulus size EBICS 2.5 subscribers use.
const KeyBits = 2048

// KeyTriple bundles the three private keys a subscriber owns: A006 order
// signing, X002 authentication, and E002 decryption.
type KeyTriple struct {
	Signature      *rsa.PrivateKey
	Authentication *rsa.PrivateKey
	Encryption     *rsa.PrivateKey
}

// GenerateKey creates a fresh RSA subscriber key.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "generate rsa key")
	}
	return key, nil
}

// GenerateTriple creates the full subscriber key set.
func GenerateTriple() (*KeyTriple, error) {
	sig, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	auth, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	enc, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &KeyTriple{Signature: sig, Authentication: auth, Encryption: enc}, nil
}

// MarshalPrivateKey renders a key as a PKCS#8 DER blob.
func MarshalPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "marshal pkcs8")
	}
	return der, nil
}

// ParsePrivateKey reads a PKCS#8 DER blob back into an RSA key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "parse pkcs8")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fault.New(fault.Crypto, "pkcs8 blob is not an RSA key")
	}
	return key, nil
}

// MarshalPublicKey renders a public key as PKIX DER.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "marshal pkix")
	}
	return der, nil
}

// ParsePublicKey reads a PKIX DER blob back into an RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "parse pkix")
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fault.New(fault.Crypto, "pkix blob is not an RSA key")
	}
	return pub, nil
}

// EncodePrivateKeyPEM wraps a private key in a PEM block for key files.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DecodePrivateKeyPEM parses the first PEM block of a key file.
func DecodePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fault.New(fault.Crypto, "no PEM block found")
	}
	return ParsePrivateKey(block.Bytes)
}

// DigestA006 hashes order data the way A006 prescribes: every CR, LF, and SUB
// byte is stripped before SHA-256. The bank computes the same digest, so any
// deviation makes signatures unverifiable.
func DigestA006(orderData []byte) [32]byte {
	stripped := make([]byte, 0, len(orderData))
	for _, b := range orderData {
		if b == 0x0D || b == 0x0A || b == 0x1A {
			continue
		}
		stripped = append(stripped, b)
	}
	return sha256.Sum256(stripped)
}

// SignA006 signs order data with RSA-PSS (SHA-256, MGF1-SHA-256, 32-byte salt).
func SignA006(orderData []byte, key *rsa.PrivateKey) ([]byte, error) {
	digest := DigestA006(orderData)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "a006 sign")
	}
	return sig, nil
}

// VerifyA006 checks an A006 order signature.
func VerifyA006(sig, orderData []byte, pub *rsa.PublicKey) error {
	digest := DigestA006(orderData)
	err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return fault.Wrap(fault.Crypto, err, "a006 signature invalid")
	}
	return nil
}

// Fingerprint computes the EBICS key digest: exponent and modulus as lowercase
// hex of their minimal big-endian encodings, joined by a single space, then
// SHA-256. HPB key verification compares this value, so the formatting is part
// of the wire contract.
func Fingerprint(pub *rsa.PublicKey) [32]byte {
	exp := fmt.Sprintf("%x", pub.E)
	mod := strings.ToLower(fmt.Sprintf("%x", pub.N.Bytes()))
	return sha256.Sum256([]byte(exp + " " + mod))
}

// FingerprintHex renders the fingerprint for display, matching the form
// operators confirm against bank letters.
func FingerprintHex(pub *rsa.PublicKey) string {
	sum := Fingerprint(pub)
	return hex.EncodeToString(sum[:])
}
