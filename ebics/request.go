package ebics

import (
	"bytes"
	"compress/zlib"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/beevik/etree"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/fault"
)

// Envelope builders for the H004 request roots. The wire is XML over HTTP
// POST; order data travels zlib-deflated and base64-encoded.

const (
	NamespaceH004 = "urn:org:ebics:H004"
	NamespaceS001 = "http://www.ebics.org/S001"
	NamespaceH000 = "http://www.ebics.org/H000"

	securityMedium = "0000"
	h004Version    = "H004"
	h004Revision   = "1"
)

// Config identifies one subscriber against one EBICS host.
type Config struct {
	URL       string
	HostID    string
	PartnerID string
	UserID    string
	SystemID  string
}

// Deflate compresses order data the way every EBICS payload travels. Exported
// because the sandbox host shapes payloads the same way.
func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

// Inflate reverses Deflate.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "zlib header")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "zlib inflate")
	}
	return out, nil
}

func compressB64(data []byte) string {
	return base64.StdEncoding.EncodeToString(Deflate(data))
}

// newEnvelope starts a request document with the standard H004 attributes.
func newEnvelope(rootName string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(rootName)
	root.CreateAttr("xmlns", NamespaceH004)
	root.CreateAttr("Version", h004Version)
	root.CreateAttr("Revision", h004Revision)
	return doc, root
}

func generateNonce() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return fmt.Sprintf("%X", buf)
}

func ebicsTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// buildUnsecuredRequest renders an ebicsUnsecuredRequest (INI, HIA). Order
// data is deflated and base64-encoded; no signature of any kind is attached.
func buildUnsecuredRequest(cfg Config, orderType string, orderData []byte) *etree.Document {
	doc, root := newEnvelope("ebicsUnsecuredRequest")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(cfg.HostID)
	static.CreateElement("PartnerID").SetText(cfg.PartnerID)
	static.CreateElement("UserID").SetText(cfg.UserID)
	if cfg.SystemID != "" {
		static.CreateElement("SystemID").SetText(cfg.SystemID)
	}
	details := static.CreateElement("OrderDetails")
	details.CreateElement("OrderType").SetText(orderType)
	details.CreateElement("OrderAttribute").SetText("DZNNN")
	static.CreateElement("SecurityMedium").SetText(securityMedium)
	header.CreateElement("mutable")

	body := root.CreateElement("body")
	transfer := body.CreateElement("DataTransfer")
	transfer.CreateElement("OrderData").SetText(compressB64(orderData))
	return doc
}

// buildHEVRequest renders the version probe; it lives in the H000 namespace
// and carries only the host id.
func buildHEVRequest(hostID string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsHEVRequest")
	root.CreateAttr("xmlns", NamespaceH000)
	root.CreateElement("HostID").SetText(hostID)
	return doc
}

// buildHPBRequest renders the ebicsNoPubKeyDigestsRequest used to fetch the
// bank's public keys. The caller signs it with the subscriber authentication
// key before sending.
func buildHPBRequest(cfg Config, now time.Time) *etree.Document {
	doc, root := newEnvelope("ebicsNoPubKeyDigestsRequest")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(cfg.HostID)
	static.CreateElement("Nonce").SetText(generateNonce())
	static.CreateElement("Timestamp").SetText(ebicsTimestamp(now))
	static.CreateElement("PartnerID").SetText(cfg.PartnerID)
	static.CreateElement("UserID").SetText(cfg.UserID)
	if cfg.SystemID != "" {
		static.CreateElement("SystemID").SetText(cfg.SystemID)
	}
	details := static.CreateElement("OrderDetails")
	details.CreateElement("OrderType").SetText("HPB")
	details.CreateElement("OrderAttribute").SetText("DZHNN")
	static.CreateElement("SecurityMedium").SetText(securityMedium)
	header.CreateElement("mutable")

	root.CreateElement("AuthSignature")
	root.CreateElement("body")
	return doc
}

// downloadParams carries the optional date range of a C5x order.
type downloadParams struct {
	Start time.Time
	End   time.Time
}

// buildDownloadInit renders the initialisation phase of a download order.
func buildDownloadInit(cfg Config, orderType string, params *downloadParams, bankAuth, bankEnc *rsa.PublicKey, now time.Time) *etree.Document {
	doc, root := newEnvelope("ebicsRequest")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(cfg.HostID)
	static.CreateElement("Nonce").SetText(generateNonce())
	static.CreateElement("Timestamp").SetText(ebicsTimestamp(now))
	static.CreateElement("PartnerID").SetText(cfg.PartnerID)
	static.CreateElement("UserID").SetText(cfg.UserID)
	if cfg.SystemID != "" {
		static.CreateElement("SystemID").SetText(cfg.SystemID)
	}
	product := static.CreateElement("Product")
	product.CreateAttr("Language", "en")
	product.SetText("ebicsgw")
	details := static.CreateElement("OrderDetails")
	details.CreateElement("OrderType").SetText(orderType)
	details.CreateElement("OrderAttribute").SetText("DZHNN")
	orderParams := details.CreateElement("StandardOrderParams")
	if params != nil {
		dateRange := orderParams.CreateElement("DateRange")
		dateRange.CreateElement("Start").SetText(params.Start.UTC().Format("2006-01-02"))
		dateRange.CreateElement("End").SetText(params.End.UTC().Format("2006-01-02"))
	}
	addBankPubKeyDigests(static, bankAuth, bankEnc)
	static.CreateElement("SecurityMedium").SetText(securityMedium)

	mutable := header.CreateElement("mutable")
	mutable.CreateElement("TransactionPhase").SetText("Initialisation")

	root.CreateElement("AuthSignature")
	root.CreateElement("body")
	return doc
}

// buildTransferRequest renders a transfer-phase request for segment n of an
// open transaction; upload requests attach the segment body, downloads none.
func buildTransferRequest(cfg Config, transactionID string, segment, total int, uploadSegment string) *etree.Document {
	doc, root := newEnvelope("ebicsRequest")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(cfg.HostID)
	static.CreateElement("TransactionID").SetText(transactionID)

	mutable := header.CreateElement("mutable")
	mutable.CreateElement("TransactionPhase").SetText("Transfer")
	segEl := mutable.CreateElement("SegmentNumber")
	segEl.SetText(fmt.Sprintf("%d", segment))
	if segment == total {
		segEl.CreateAttr("lastSegment", "true")
	} else {
		segEl.CreateAttr("lastSegment", "false")
	}

	root.CreateElement("AuthSignature")
	body := root.CreateElement("body")
	if uploadSegment != "" {
		transfer := body.CreateElement("DataTransfer")
		transfer.CreateElement("OrderData").SetText(uploadSegment)
	}
	return doc
}

// buildReceiptRequest renders the receipt phase closing a download. Receipt
// code 0 acknowledges successful processing.
func buildReceiptRequest(cfg Config, transactionID string) *etree.Document {
	doc, root := newEnvelope("ebicsRequest")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	static.CreateElement("HostID").SetText(cfg.HostID)
	static.CreateElement("TransactionID").SetText(transactionID)
	mutable := header.CreateElement("mutable")
	mutable.CreateElement("TransactionPhase").SetText("Receipt")

	root.CreateElement("AuthSignature")
	body := root.CreateElement("body")
	receipt := body.CreateElement("TransferReceipt")
	receipt.CreateAttr("authenticate", "true")
	receipt.CreateElement("ReceiptCode").SetText("0")
	return doc
}

// addBankPubKeyDigests attaches the digests of the bank keys we believe in, so
// the host can detect a key mismatch before processing.
func addBankPubKeyDigests(static *etree.Element, bankAuth, bankEnc *rsa.PublicKey) {
	if bankAuth == nil || bankEnc == nil {
		return
	}
	digests := static.CreateElement("BankPubKeyDigests")
	auth := digests.CreateElement("Authentication")
	auth.CreateAttr("Version", "X002")
	auth.CreateAttr("Algorithm", "http://www.w3.org/2001/04/xmlenc#sha256")
	authDigest := gwcrypto.Fingerprint(bankAuth)
	auth.SetText(base64.StdEncoding.EncodeToString(authDigest[:]))
	enc := digests.CreateElement("Encryption")
	enc.CreateAttr("Version", "E002")
	enc.CreateAttr("Algorithm", "http://www.w3.org/2001/04/xmlenc#sha256")
	encDigest := gwcrypto.Fingerprint(bankEnc)
	enc.SetText(base64.StdEncoding.EncodeToString(encDigest[:]))
}

// RenderRSAKeyValue renders Modulus/Exponent as base64 of their big-endian
// bytes under a PubKeyValue element.
func RenderRSAKeyValue(parent *etree.Element, pub *rsa.PublicKey) {
	value := parent.CreateElement("PubKeyValue")
	keyValue := value.CreateElement("ds:RSAKeyValue")
	keyValue.CreateAttr("xmlns:ds", "http://www.w3.org/2000/09/xmldsig#")
	keyValue.CreateElement("ds:Modulus").SetText(base64.StdEncoding.EncodeToString(pub.N.Bytes()))
	keyValue.CreateElement("ds:Exponent").SetText(base64.StdEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()))
}

// buildINIOrderData renders SignaturePubKeyOrderData carrying the A006 key.
func buildINIOrderData(cfg Config, sigPub *rsa.PublicKey) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("SignaturePubKeyOrderData")
	root.CreateAttr("xmlns", NamespaceS001)

	info := root.CreateElement("SignaturePubKeyInfo")
	RenderRSAKeyValue(info, sigPub)
	info.CreateElement("SignatureVersion").SetText("A006")
	root.CreateElement("PartnerID").SetText(cfg.PartnerID)
	root.CreateElement("UserID").SetText(cfg.UserID)
	return doc.WriteToBytes()
}

// buildHIAOrderData renders HIARequestOrderData carrying the X002 and E002
// keys.
func buildHIAOrderData(cfg Config, authPub, encPub *rsa.PublicKey) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("HIARequestOrderData")
	root.CreateAttr("xmlns", NamespaceH004)

	auth := root.CreateElement("AuthenticationPubKeyInfo")
	RenderRSAKeyValue(auth, authPub)
	auth.CreateElement("AuthenticationVersion").SetText("X002")

	enc := root.CreateElement("EncryptionPubKeyInfo")
	RenderRSAKeyValue(enc, encPub)
	enc.CreateElement("EncryptionVersion").SetText("E002")

	root.CreateElement("PartnerID").SetText(cfg.PartnerID)
	root.CreateElement("UserID").SetText(cfg.UserID)
	return doc.WriteToBytes()
}

// ParseRSAKeyValue reads a PubKeyValue subtree back into a public key. The
// sandbox host uses it on INI and HIA order data.
func ParseRSAKeyValue(pubKeyInfo *etree.Element) (*rsa.PublicKey, error) {
	var modulus, exponent string
	var walk func(*etree.Element)
	walk = func(el *etree.Element) {
		switch el.Tag {
		case "Modulus":
			modulus = el.Text()
		case "Exponent":
			exponent = el.Text()
		}
		for _, child := range el.ChildElements() {
			walk(child)
		}
	}
	walk(pubKeyInfo)
	if modulus == "" || exponent == "" {
		return nil, fault.New(fault.Parse, "key value lacks modulus or exponent")
	}
	modBytes, err := base64.StdEncoding.DecodeString(modulus)
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "decode modulus")
	}
	expBytes, err := base64.StdEncoding.DecodeString(exponent)
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "decode exponent")
	}
	n := new(big.Int).SetBytes(modBytes)
	e := new(big.Int).SetBytes(expBytes)
	if !e.IsInt64() || e.Int64() <= 1 {
		return nil, fault.New(fault.Parse, "implausible RSA exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
