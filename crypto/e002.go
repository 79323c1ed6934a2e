package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"

	"ebicsgw/fault"
)

// E002 is the EBICS hybrid encryption profile: a fresh 128-bit AES key in CBC
// mode with an all-zero IV, the key wrapped under RSAES-PKCS1-v1_5 to the
// recipient's encryption key.

const e002KeyBytes = 16

// Envelope carries one E002-encrypted payload plus the material the recipient
// needs to unwrap it.
type Envelope struct {
	WrappedKey         []byte
	RecipientKeyDigest [32]byte
	Ciphertext         []byte
}

// EncryptE002 encrypts plaintext to the bank's encryption key.
func EncryptE002(plaintext []byte, bankEnc *rsa.PublicKey) (*Envelope, error) {
	txKey := make([]byte, e002KeyBytes)
	if _, err := rand.Read(txKey); err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "generate transaction key")
	}
	ciphertext, err := aesCBCEncrypt(plaintext, txKey)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, bankEnc, txKey)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "wrap transaction key")
	}
	return &Envelope{
		WrappedKey:         wrapped,
		RecipientKeyDigest: Fingerprint(bankEnc),
		Ciphertext:         ciphertext,
	}, nil
}

// DecryptE002 unwraps the transaction key with our encryption key and decrypts
// the payload.
func DecryptE002(env *Envelope, own *rsa.PrivateKey) ([]byte, error) {
	txKey, err := UnwrapTransactionKey(env.WrappedKey, own)
	if err != nil {
		return nil, err
	}
	return AESDecrypt(env.Ciphertext, txKey)
}

// UnwrapTransactionKey recovers a raw AES transaction key wrapped under
// RSAES-PKCS1-v1_5.
func UnwrapTransactionKey(wrapped []byte, own *rsa.PrivateKey) ([]byte, error) {
	txKey, err := rsa.DecryptPKCS1v15(rand.Reader, own, wrapped)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "unwrap transaction key")
	}
	return txKey, nil
}

// AESDecrypt reverses aesCBCEncrypt given the raw transaction key. Exposed
// separately because downloads deliver key and ciphertext through different
// response fields.
func AESDecrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "aes key")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fault.New(fault.Crypto, "ciphertext length %d is not a block multiple", len(ciphertext))
	}
	iv := make([]byte, aes.BlockSize)
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return stripPadding(plain)
}

// AESEncrypt encrypts with an existing transaction key; used by the upload
// path where the same key covers every segment.
func AESEncrypt(plaintext, key []byte) ([]byte, error) {
	return aesCBCEncrypt(plaintext, key)
}

func aesCBCEncrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fault.Wrap(fault.Crypto, err, "aes key")
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

// stripPadding accepts both PKCS#7 and ANSI X9.23 trailers; banks emit either.
func stripPadding(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.Crypto, "empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fault.New(fault.Crypto, "invalid padding length %d", n)
	}
	return data[:len(data)-n], nil
}
