package sandbox

import (
	"archive/zip"
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/ebics"
	"ebicsgw/xmlcodec"
)

// Response envelope builders for the host side of the wire.

// keyManagementResponse renders an ebicsKeyManagementResponse with the given
// technical (header) and business (body) return codes.
func keyManagementResponse(technical, business, reportText string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsKeyManagementResponse")
	root.CreateAttr("xmlns", ebics.NamespaceH004)
	root.CreateAttr("Version", "H004")
	root.CreateAttr("Revision", "1")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	header.CreateElement("static")
	mutable := header.CreateElement("mutable")
	mutable.CreateElement("ReturnCode").SetText(technical)
	if reportText == "" {
		reportText = "[" + ebics.CodeName(technical) + "]"
	}
	mutable.CreateElement("ReportText").SetText(reportText)

	body := root.CreateElement("body")
	body.CreateElement("ReturnCode").SetText(business)
	return doc
}

// attachOrderData adds the encrypted HPB order data to a key management
// response body.
func attachOrderData(doc *etree.Document, wrappedKey, ciphertext []byte) {
	body := doc.Root().SelectElement("body")
	transfer := etree.NewElement("DataTransfer")
	encInfo := transfer.CreateElement("DataEncryptionInfo")
	encInfo.CreateAttr("authenticate", "true")
	encInfo.CreateElement("TransactionKey").SetText(base64.StdEncoding.EncodeToString(wrappedKey))
	transfer.CreateElement("OrderData").SetText(base64.StdEncoding.EncodeToString(ciphertext))
	// DataTransfer precedes ReturnCode in the schema.
	body.InsertChildAt(0, transfer)
}

// responseParams collects everything an ebicsResponse can carry.
type responseParams struct {
	Technical     string
	Business      string
	TransactionID string
	OrderID       string
	NumSegments   int
	Phase         string
	SegmentNumber int
	WrappedKey    []byte
	OrderData     []byte
}

// hostResponse renders an ebicsResponse; the caller signs it.
func hostResponse(p responseParams) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsResponse")
	root.CreateAttr("xmlns", ebics.NamespaceH004)
	root.CreateAttr("Version", "H004")
	root.CreateAttr("Revision", "1")

	header := root.CreateElement("header")
	header.CreateAttr("authenticate", "true")
	static := header.CreateElement("static")
	if p.TransactionID != "" {
		static.CreateElement("TransactionID").SetText(p.TransactionID)
	}
	if p.NumSegments > 0 {
		static.CreateElement("NumSegments").SetText(fmt.Sprintf("%d", p.NumSegments))
	}
	mutable := header.CreateElement("mutable")
	if p.Phase != "" {
		mutable.CreateElement("TransactionPhase").SetText(p.Phase)
	}
	if p.SegmentNumber > 0 {
		mutable.CreateElement("SegmentNumber").SetText(fmt.Sprintf("%d", p.SegmentNumber))
	}
	if p.OrderID != "" {
		mutable.CreateElement("OrderID").SetText(p.OrderID)
	}
	mutable.CreateElement("ReturnCode").SetText(p.Technical)
	mutable.CreateElement("ReportText").SetText("[" + ebics.CodeName(p.Technical) + "]")

	root.CreateElement("AuthSignature")

	body := root.CreateElement("body")
	if p.OrderData != nil || p.WrappedKey != nil {
		transfer := body.CreateElement("DataTransfer")
		if p.WrappedKey != nil {
			encInfo := transfer.CreateElement("DataEncryptionInfo")
			encInfo.CreateAttr("authenticate", "true")
			encInfo.CreateElement("TransactionKey").SetText(base64.StdEncoding.EncodeToString(p.WrappedKey))
		}
		if p.OrderData != nil {
			transfer.CreateElement("OrderData").SetText(base64.StdEncoding.EncodeToString(p.OrderData))
		}
	}
	body.CreateElement("ReturnCode").SetText(p.Business)
	return doc
}

// unsecuredOrderData extracts and inflates the order data of an
// ebicsUnsecuredRequest.
func unsecuredOrderData(root *etree.Element) ([]byte, error) {
	transfer, err := xmlcodec.MaybeDescend(root, "body", "DataTransfer")
	if err != nil || transfer == nil {
		return nil, fmt.Errorf("sandbox: request carries no order data")
	}
	text, err := xmlcodec.RequireChildText(transfer, "OrderData")
	if err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("sandbox: decode order data: %w", err)
	}
	return ebics.Inflate(decoded)
}

// parsePubKeyOrderData reads one public key out of INI or HIA order data.
func parsePubKeyOrderData(data []byte, rootName, infoName string) (*rsa.PublicKey, error) {
	doc, err := xmlcodec.Parse(data)
	if err != nil {
		return nil, err
	}
	root, err := xmlcodec.RequireRoot(doc, rootName)
	if err != nil {
		return nil, err
	}
	info, err := xmlcodec.RequireUniqueChild(root, infoName)
	if err != nil {
		return nil, err
	}
	return ebics.ParseRSAKeyValue(info)
}

// parseUserSignature extracts the A006 signature bytes from UserSignatureData.
func parseUserSignature(data []byte) ([]byte, error) {
	doc, err := xmlcodec.Parse(data)
	if err != nil {
		return nil, err
	}
	root, err := xmlcodec.RequireRoot(doc, "UserSignatureData")
	if err != nil {
		return nil, err
	}
	order, err := xmlcodec.RequireUniqueChild(root, "OrderSignatureData")
	if err != nil {
		return nil, err
	}
	text, err := xmlcodec.RequireChildText(order, "SignatureValue")
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("sandbox: decode signature value: %w", err)
	}
	return sig, nil
}

// base64Child descends path from el and base64-decodes the text of the final
// element; nil when the path or text is absent.
func base64Child(el *etree.Element, path ...string) ([]byte, error) {
	target, err := xmlcodec.MaybeDescend(el, path...)
	if err != nil || target == nil {
		return nil, err
	}
	text := target.Text()
	if text == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("sandbox: decode %s: %w", path[len(path)-1], err)
	}
	return decoded, nil
}

// decryptInflate reverses the upload payload transform given the raw
// transaction key.
func decryptInflate(ciphertext, txKey []byte) ([]byte, error) {
	plain, err := gwcrypto.AESDecrypt(ciphertext, txKey)
	if err != nil {
		return nil, err
	}
	return ebics.Inflate(plain)
}

// zipDocuments packs camt documents into the ZIP archive C5x downloads carry.
func zipDocuments(docs [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i, doc := range docs {
		f, err := w.Create(fmt.Sprintf("camt.%03d.xml", i+1))
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(doc); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func splitChunks(data []byte, size int) [][]byte {
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
