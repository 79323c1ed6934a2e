package crypto

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := GenerateKey()
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func TestDigestA006StripsLineBytes(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"plain", []byte("hello"), []byte("hello")},
		{"crlf", []byte("hel\r\nlo\r\n"), []byte("hello")},
		{"sub", []byte("he\x1allo"), []byte("hello")},
		{"only strip bytes", []byte("\r\n\x1a"), []byte{}},
		{"empty", nil, []byte{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DigestA006(tc.in)
			want := sha256.Sum256(tc.want)
			if got != want {
				t.Fatalf("digest mismatch for %q", tc.in)
			}
		})
	}
}

func TestSignVerifyA006(t *testing.T) {
	key := sharedKey(t)
	msg := []byte("<Document>pain.001 order\r\ndata</Document>")
	sig, err := SignA006(msg, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyA006(sig, msg, &key.PublicKey); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// CR/LF stripping means a message differing only in line endings verifies too.
	if err := VerifyA006(sig, bytes.ReplaceAll(msg, []byte("\r\n"), nil), &key.PublicKey); err != nil {
		t.Fatalf("verify after strip: %v", err)
	}
	if err := VerifyA006(sig, []byte("tampered"), &key.PublicKey); err == nil {
		t.Fatal("expected verification failure for altered message")
	}
}

func TestFingerprintFormat(t *testing.T) {
	key := sharedKey(t)
	pub := &key.PublicKey
	// Recompute by hand to pin the "<exp> <mod>" hex layout.
	manual := sha256.Sum256([]byte("10001 " + bytesToHex(pub.N.Bytes())))
	if got := Fingerprint(pub); got != manual {
		t.Fatal("fingerprint layout drifted from exp-space-mod hex")
	}
}

func bytesToHex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, v := range b {
		out = append(out, digits[v>>4], digits[v&0x0f])
	}
	return string(out)
}

func TestEncryptDecryptE002(t *testing.T) {
	key := sharedKey(t)
	for _, size := range []int{0, 1, 15, 16, 17, 4096} {
		plain := bytes.Repeat([]byte{0xAB}, size)
		env, err := EncryptE002(plain, &key.PublicKey)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", size, err)
		}
		if env.RecipientKeyDigest != Fingerprint(&key.PublicKey) {
			t.Fatal("recipient key digest mismatch")
		}
		got, err := DecryptE002(env, key)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", size, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("roundtrip mismatch at size %d", size)
		}
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := sharedKey(t)
	env, err := EncryptE002([]byte("secret statement"), &key.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	env.Ciphertext = env.Ciphertext[:len(env.Ciphertext)-1]
	if _, err := DecryptE002(env, key); err == nil {
		t.Fatal("expected decrypt failure for truncated ciphertext")
	}
}

func TestWrapUnwrapPrivateKey(t *testing.T) {
	key := sharedKey(t)
	blob, err := WrapPrivateKey(key, "correct horse")
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	got, err := UnwrapPrivateKey(blob, "correct horse")
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got.N.Cmp(key.N) != 0 || got.D.Cmp(key.D) != 0 {
		t.Fatal("unwrapped key differs")
	}
	if _, err := UnwrapPrivateKey(blob, "wrong"); err == nil {
		t.Fatal("expected failure with wrong passphrase")
	}
}

func TestPrivateKeyDERRoundTrip(t *testing.T) {
	key := sharedKey(t)
	der, err := MarshalPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParsePrivateKey(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.N.Cmp(key.N) != 0 {
		t.Fatal("modulus changed across DER roundtrip")
	}
}
