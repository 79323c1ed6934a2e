package xmlcodec

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"ebicsgw/fault"
)

// H004 authentication signature: SHA-256 digests over the exclusive XML
// canonicalization of every element flagged authenticate="true", and an
// RSA-SHA256 signature over the canonicalized ds:SignedInfo.

const (
	dsNamespace        = "http://www.w3.org/2000/09/xmldsig#"
	algExcC14N         = "http://www.w3.org/2001/10/xml-exc-c14n#"
	algRSASHA256       = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	algSHA256          = "http://www.w3.org/2001/04/xmlenc#sha256"
	authReferenceURI   = "#xpointer(//*[@authenticate='true'])"
	authSignatureLocal = "AuthSignature"
)

func canonicalizer() dsig.Canonicalizer {
	return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
}

// authenticatedNodes returns every element carrying authenticate="true", in
// document order.
func authenticatedNodes(el *etree.Element) []*etree.Element {
	var out []*etree.Element
	var walk func(*etree.Element)
	walk = func(e *etree.Element) {
		for _, attr := range e.Attr {
			if attr.Key == "authenticate" && attr.Value == "true" {
				out = append(out, e)
				break
			}
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	walk(el)
	return out
}

// DigestAuthenticated computes the reference digest over all authenticated
// elements of the document.
func DigestAuthenticated(doc *etree.Document) ([]byte, error) {
	root := doc.Root()
	if root == nil {
		return nil, fault.New(fault.Parse, "document has no root element")
	}
	nodes := authenticatedNodes(root)
	if len(nodes) == 0 {
		return nil, fault.New(fault.Parse, "no authenticate=\"true\" elements to digest")
	}
	h := sha256.New()
	canon := canonicalizer()
	for _, node := range nodes {
		data, err := canon.Canonicalize(node)
		if err != nil {
			return nil, fault.Wrap(fault.Parse, err, "canonicalize %s", node.Tag)
		}
		h.Write(data)
	}
	return h.Sum(nil), nil
}

// SignEnvelope fills the envelope's AuthSignature element with a SignedInfo
// and SignatureValue computed from the current document state. The element
// must already exist (H004 places it between header and body).
func SignEnvelope(doc *etree.Document, authKey *rsa.PrivateKey) error {
	authSig := findLocal(doc.Root(), authSignatureLocal)
	if authSig == nil {
		return fault.New(fault.Parse, "envelope has no AuthSignature element")
	}
	digest, err := DigestAuthenticated(doc)
	if err != nil {
		return err
	}

	signedInfo := buildSignedInfo(digest)
	canonInfo, err := canonicalizer().Canonicalize(signedInfo)
	if err != nil {
		return fault.Wrap(fault.Parse, err, "canonicalize SignedInfo")
	}
	infoDigest := sha256.Sum256(canonInfo)
	sig, err := rsa.SignPKCS1v15(rand.Reader, authKey, crypto.SHA256, infoDigest[:])
	if err != nil {
		return fault.Wrap(fault.Crypto, err, "sign envelope")
	}

	for _, child := range authSig.ChildElements() {
		authSig.RemoveChild(child)
	}
	authSig.AddChild(signedInfo)
	sigValue := etree.NewElement("ds:SignatureValue")
	sigValue.CreateAttr("xmlns:ds", dsNamespace)
	sigValue.SetText(base64.StdEncoding.EncodeToString(sig))
	authSig.AddChild(sigValue)
	return nil
}

// VerifyEnvelope checks the AuthSignature of a parsed envelope against the
// counterparty's authentication key.
func VerifyEnvelope(doc *etree.Document, pub *rsa.PublicKey) error {
	authSig := findLocal(doc.Root(), authSignatureLocal)
	if authSig == nil {
		return fault.New(fault.Crypto, "envelope has no AuthSignature element")
	}
	signedInfo, err := RequireUniqueChild(authSig, "SignedInfo")
	if err != nil {
		return err
	}
	reference, err := Descend(signedInfo, "Reference")
	if err != nil {
		return err
	}
	wantDigestB64, err := RequireChildText(reference, "DigestValue")
	if err != nil {
		return err
	}
	wantDigest, err := base64.StdEncoding.DecodeString(wantDigestB64)
	if err != nil {
		return fault.Wrap(fault.Parse, err, "decode DigestValue")
	}
	gotDigest, err := DigestAuthenticated(doc)
	if err != nil {
		return err
	}
	if !hmac.Equal(gotDigest, wantDigest) {
		return fault.New(fault.Crypto, "authenticated content digest mismatch")
	}

	sigB64, err := RequireChildText(authSig, "SignatureValue")
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fault.Wrap(fault.Parse, err, "decode SignatureValue")
	}
	canonInfo, err := canonicalizer().Canonicalize(signedInfo)
	if err != nil {
		return fault.Wrap(fault.Parse, err, "canonicalize SignedInfo")
	}
	infoDigest := sha256.Sum256(canonInfo)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, infoDigest[:], sig); err != nil {
		return fault.Wrap(fault.Crypto, err, "envelope signature invalid")
	}
	return nil
}

func buildSignedInfo(digest []byte) *etree.Element {
	signedInfo := etree.NewElement("ds:SignedInfo")
	signedInfo.CreateAttr("xmlns:ds", dsNamespace)

	c14n := signedInfo.CreateElement("ds:CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", algExcC14N)
	sigMethod := signedInfo.CreateElement("ds:SignatureMethod")
	sigMethod.CreateAttr("Algorithm", algRSASHA256)

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", authReferenceURI)
	transforms := ref.CreateElement("ds:Transforms")
	transform := transforms.CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", algExcC14N)
	digestMethod := ref.CreateElement("ds:DigestMethod")
	digestMethod.CreateAttr("Algorithm", algSHA256)
	ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(digest))

	return signedInfo
}

func findLocal(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	if el.Tag == local {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findLocal(child, local); found != nil {
			return found
		}
	}
	return nil
}
