package xmlcodec

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
)

var (
	dsigKeyOnce sync.Once
	dsigKey     *rsa.PrivateKey
)

func authKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	dsigKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		dsigKey = key
	})
	return dsigKey
}

const envelopeXML = `<?xml version="1.0" encoding="UTF-8"?>
<ebicsRequest xmlns="urn:org:ebics:H004" Version="H004" Revision="1">
  <header authenticate="true">
    <static>
      <HostID>EBIXHOST</HostID>
      <TransactionID>ABCD0123</TransactionID>
    </static>
    <mutable>
      <TransactionPhase>Transfer</TransactionPhase>
      <SegmentNumber lastSegment="false">2</SegmentNumber>
    </mutable>
  </header>
  <AuthSignature/>
  <body/>
</ebicsRequest>`

func TestSignAndVerifyEnvelope(t *testing.T) {
	key := authKey(t)
	doc, err := Parse([]byte(envelopeXML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := SignEnvelope(doc, key); err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Round-trip through bytes: the receiving side re-parses before verifying.
	raw, err := Serialize(doc)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	reparsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if err := VerifyEnvelope(reparsed, &key.PublicKey); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTamperedHeader(t *testing.T) {
	key := authKey(t)
	doc, err := Parse([]byte(envelopeXML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := SignEnvelope(doc, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := Serialize(doc)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	tampered, err := Parse(raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	host := findLocal(tampered.Root(), "HostID")
	host.SetText("EVILHOST")
	if err := VerifyEnvelope(tampered, &key.PublicKey); err == nil {
		t.Fatal("expected digest mismatch after tampering")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key := authKey(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	doc, err := Parse([]byte(envelopeXML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := SignEnvelope(doc, key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyEnvelope(doc, &other.PublicKey); err == nil {
		t.Fatal("expected signature failure with foreign key")
	}
}

func TestSignRequiresAuthenticatedNodes(t *testing.T) {
	doc, err := Parse([]byte(`<ebicsRequest><header/><AuthSignature/></ebicsRequest>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := SignEnvelope(doc, authKey(t)); err == nil {
		t.Fatal("expected failure without authenticate=\"true\" nodes")
	}
}
