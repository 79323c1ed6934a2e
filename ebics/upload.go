package ebics

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/beevik/etree"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/fault"
)

// uploadSegmentBytes is the maximum ciphertext per transfer segment.
const uploadSegmentBytes = 1 << 20

// Upload submits order data (a pain.001 document for CCT) through a full
// upload transaction and returns the bank-assigned order id when present.
// The payload is A006-signed, then deflated and encrypted under one fresh
// transaction key that also covers the signature data.
func (c *Client) Upload(ctx context.Context, orderType string, orderData []byte) (string, error) {
	if !c.ready() {
		return "", fault.New(fault.State, "bank keys unknown; run HPB before uploading")
	}

	txKey := make([]byte, 16)
	if _, err := rand.Read(txKey); err != nil {
		return "", fault.Wrap(fault.Crypto, err, "generate transaction key")
	}
	wrappedKey, err := rsa.EncryptPKCS1v15(rand.Reader, c.bankEnc, txKey)
	if err != nil {
		return "", fault.Wrap(fault.Crypto, err, "wrap transaction key")
	}

	signatureData, err := buildUserSignatureData(c.cfg, orderData, c.keys)
	if err != nil {
		return "", err
	}
	encSignature, err := gwcrypto.AESEncrypt(Deflate(signatureData), txKey)
	if err != nil {
		return "", err
	}
	encOrder, err := gwcrypto.AESEncrypt(Deflate(orderData), txKey)
	if err != nil {
		return "", err
	}

	segments := splitSegments(encOrder, uploadSegmentBytes)
	init := buildUploadInit(c.cfg, orderType, len(segments), wrappedKey, encSignature, c.bankAuth, c.bankEnc, c.now())
	resp, err := c.postSigned(ctx, init)
	if err != nil {
		return "", err
	}
	codes, err := resp.codes()
	if err != nil {
		return "", err
	}
	if !codes.ok() {
		return "", codes.fail(orderType + " initialisation")
	}
	txID, err := resp.transactionID()
	if err != nil {
		return "", err
	}
	if txID == "" {
		return "", fault.New(fault.Parse, "initialisation response lacks TransactionID")
	}
	orderID, _ := resp.orderID()

	for i, seg := range segments {
		req := buildTransferRequest(c.cfg, txID, i+1, len(segments), base64.StdEncoding.EncodeToString(seg))
		segResp, err := c.postSigned(ctx, req)
		if err != nil {
			return "", err
		}
		segCodes, err := segResp.codes()
		if err != nil {
			return "", err
		}
		if !segCodes.ok() {
			return "", segCodes.fail(orderType + " transfer")
		}
	}
	c.logger.Info("upload accepted", "order_type", orderType, "order_id", orderID, "segments", len(segments))
	return orderID, nil
}

func splitSegments(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

// buildUserSignatureData renders the S001 UserSignatureData document carrying
// the A006 signature over the order data.
func buildUserSignatureData(cfg Config, orderData []byte, keys *gwcrypto.KeyTriple) ([]byte, error) {
	sig, err := gwcrypto.SignA006(orderData, keys.Signature)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("UserSignatureData")
	root.CreateAttr("xmlns", NamespaceS001)
	order := root.CreateElement("OrderSignatureData")
	order.CreateElement("SignatureVersion").SetText("A006")
	order.CreateElement("SignatureValue").SetText(base64.StdEncoding.EncodeToString(sig))
	order.CreateElement("PartnerID").SetText(cfg.PartnerID)
	order.CreateElement("UserID").SetText(cfg.UserID)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "render user signature data")
	}
	return out, nil
}

// buildUploadInit renders the initialisation phase of an upload order. The
// encrypted signature data rides along in the body; order data follows in the
// transfer phase.
func buildUploadInit(cfg Config, orderType string, numSegments int, wrappedKey, encSignature []byte, bankAuth, bankEnc *rsa.PublicKey, now time.Time) *etree.Document {
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
	details.CreateElement("OrderAttribute").SetText("OZHNN")
	details.CreateElement("StandardOrderParams")
	addBankPubKeyDigests(static, bankAuth, bankEnc)
	static.CreateElement("SecurityMedium").SetText(securityMedium)
	static.CreateElement("NumSegments").SetText(strconv.Itoa(numSegments))

	mutable := header.CreateElement("mutable")
	mutable.CreateElement("TransactionPhase").SetText("Initialisation")

	root.CreateElement("AuthSignature")
	body := root.CreateElement("body")
	transfer := body.CreateElement("DataTransfer")
	encInfo := transfer.CreateElement("DataEncryptionInfo")
	encInfo.CreateAttr("authenticate", "true")
	digest := encInfo.CreateElement("EncryptionPubKeyDigest")
	digest.CreateAttr("Version", "E002")
	digest.CreateAttr("Algorithm", "http://www.w3.org/2001/04/xmlenc#sha256")
	bankDigest := gwcrypto.Fingerprint(bankEnc)
	digest.SetText(base64.StdEncoding.EncodeToString(bankDigest[:]))
	encInfo.CreateElement("TransactionKey").SetText(base64.StdEncoding.EncodeToString(wrappedKey))
	transfer.CreateElement("SignatureData").SetText(base64.StdEncoding.EncodeToString(encSignature))
	return doc
}
