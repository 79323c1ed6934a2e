package ebics

import (
	"bytes"
	"encoding/base64"
	"testing"
	"time"

	"github.com/beevik/etree"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/xmlcodec"
)

var testConfig = Config{
	URL:       "http://bank.example/ebics",
	HostID:    "TESTHOST",
	PartnerID: "PARTNER1",
	UserID:    "USER1",
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("<Document>statement</Document>"), 100)
	out, err := Inflate(Deflate(payload))
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestBuildUnsecuredRequest(t *testing.T) {
	orderData := []byte("<SignaturePubKeyOrderData/>")
	doc := buildUnsecuredRequest(testConfig, "INI", orderData)

	raw, err := xmlcodec.Serialize(doc)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	parsed, err := xmlcodec.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root, err := xmlcodec.RequireRoot(parsed, "ebicsUnsecuredRequest")
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	details, err := xmlcodec.Descend(root, "header", "static", "OrderDetails")
	if err != nil {
		t.Fatalf("order details: %v", err)
	}
	if got, _ := xmlcodec.ChildText(details, "OrderType"); got != "INI" {
		t.Fatalf("order type = %q", got)
	}
	if got, _ := xmlcodec.ChildText(details, "OrderAttribute"); got != "DZNNN" {
		t.Fatalf("order attribute = %q", got)
	}
}

func TestRSAKeyValueRoundTrip(t *testing.T) {
	key, err := gwcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parent := etree.NewElement("Info")
	RenderRSAKeyValue(parent, &key.PublicKey)

	pub, err := ParseRSAKeyValue(parent)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pub.N.Cmp(key.N) != 0 || pub.E != key.E {
		t.Fatalf("key mismatch after roundtrip")
	}
}

func TestParseRSAKeyValueRejectsGarbage(t *testing.T) {
	parent := etree.NewElement("Info")
	if _, err := ParseRSAKeyValue(parent); err == nil {
		t.Fatalf("expected error for empty key info")
	}
}

func TestBuildDownloadInitDateRange(t *testing.T) {
	key, err := gwcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	params := &downloadParams{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	doc := buildDownloadInit(testConfig, "C53", params, &key.PublicKey, &key.PublicKey, time.Now())

	dateRange := doc.FindElement("//DateRange")
	if dateRange == nil {
		t.Fatalf("no DateRange element")
	}
	if got := dateRange.SelectElement("Start").Text(); got != "2024-03-01" {
		t.Fatalf("start = %q", got)
	}
	if got := dateRange.SelectElement("End").Text(); got != "2024-03-31" {
		t.Fatalf("end = %q", got)
	}
	if doc.FindElement("//BankPubKeyDigests") == nil {
		t.Fatalf("no BankPubKeyDigests element")
	}
}

func TestSplitSegments(t *testing.T) {
	if got := splitSegments(nil, 4); len(got) != 1 {
		t.Fatalf("empty input should still occupy one segment, got %d", len(got))
	}
	segs := splitSegments(bytes.Repeat([]byte{0xAA}, 10), 4)
	if len(segs) != 3 {
		t.Fatalf("want 3 segments, got %d", len(segs))
	}
	if len(segs[0]) != 4 || len(segs[2]) != 2 {
		t.Fatalf("unexpected segment sizes %d/%d", len(segs[0]), len(segs[2]))
	}
}

func TestUserSignatureDataVerifies(t *testing.T) {
	key, err := gwcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	keys := &gwcrypto.KeyTriple{Signature: key}
	orderData := []byte("<Document>pain</Document>")

	rendered, err := buildUserSignatureData(testConfig, orderData, keys)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	parsed, err := xmlcodec.Parse(rendered)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sigText := parsed.FindElement("//SignatureValue")
	if sigText == nil {
		t.Fatalf("no SignatureValue")
	}
	sig, err := base64.StdEncoding.DecodeString(sigText.Text())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := gwcrypto.VerifyA006(sig, orderData, &key.PublicKey); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestCodePairFail(t *testing.T) {
	pair := codePair{Technical: CodeOK, Business: CodeProcessingError}
	err := pair.fail("CCT")
	if err == nil {
		t.Fatalf("expected error")
	}
	if pair.ok() {
		t.Fatalf("pair should not be ok")
	}
	if !Transient(CodeInternalError) {
		t.Fatalf("061099 should be transient")
	}
	if Transient(CodeProcessingError) {
		t.Fatalf("091116 should be final")
	}
}
