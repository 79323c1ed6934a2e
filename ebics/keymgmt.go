package ebics

import (
	"context"
	"crypto/rsa"

	"ebicsgw/fault"
	"ebicsgw/xmlcodec"
)

// Key-exchange handshake: INI uploads the signature key, HIA the
// authentication and encryption keys, HPB downloads the bank's public keys.
// All three are single-shot exchanges outside any transaction session.

// INI uploads the subscriber's A006 public key.
func (c *Client) INI(ctx context.Context) error {
	orderData, err := buildINIOrderData(c.cfg, &c.keys.Signature.PublicKey)
	if err != nil {
		return fault.Wrap(fault.Parse, err, "render INI order data")
	}
	return c.keyUpload(ctx, "INI", orderData)
}

// HIA uploads the subscriber's X002 and E002 public keys.
func (c *Client) HIA(ctx context.Context) error {
	orderData, err := buildHIAOrderData(c.cfg, &c.keys.Authentication.PublicKey, &c.keys.Encryption.PublicKey)
	if err != nil {
		return fault.Wrap(fault.Parse, err, "render HIA order data")
	}
	return c.keyUpload(ctx, "HIA", orderData)
}

func (c *Client) keyUpload(ctx context.Context, orderType string, orderData []byte) error {
	resp, err := c.post(ctx, buildUnsecuredRequest(c.cfg, orderType, orderData))
	if err != nil {
		return err
	}
	codes, err := resp.codes()
	if err != nil {
		return err
	}
	if !codes.ok() {
		return codes.fail(orderType)
	}
	c.logger.Info("key upload accepted", "order_type", orderType)
	return nil
}

// BankKeys is the pair of host public keys HPB returns.
type BankKeys struct {
	Authentication *rsa.PublicKey
	Encryption     *rsa.PublicKey
}

// HPB downloads the bank's authentication and encryption public keys. The
// response order data is encrypted to our E002 key and zlib-deflated.
func (c *Client) HPB(ctx context.Context) (*BankKeys, error) {
	doc := buildHPBRequest(c.cfg, c.now())
	if err := xmlcodec.SignEnvelope(doc, c.keys.Authentication); err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, doc)
	if err != nil {
		return nil, err
	}
	codes, err := resp.codes()
	if err != nil {
		return nil, err
	}
	if !codes.ok() {
		return nil, codes.fail("HPB")
	}

	ciphertext, err := resp.orderData()
	if err != nil {
		return nil, err
	}
	if ciphertext == nil {
		return nil, fault.New(fault.Parse, "HPB response carries no order data")
	}
	wrappedKey, err := resp.transactionKey()
	if err != nil {
		return nil, err
	}
	if wrappedKey == nil {
		return nil, fault.New(fault.Parse, "HPB response carries no transaction key")
	}
	plaintext, err := decryptOrderPayload(ciphertext, wrappedKey, c.keys)
	if err != nil {
		return nil, err
	}
	return parseHPBOrderData(plaintext)
}

func parseHPBOrderData(data []byte) (*BankKeys, error) {
	doc, err := xmlcodec.Parse(data)
	if err != nil {
		return nil, err
	}
	root, err := xmlcodec.RequireRoot(doc, "HPBResponseOrderData")
	if err != nil {
		return nil, err
	}
	authInfo, err := xmlcodec.RequireUniqueChild(root, "AuthenticationPubKeyInfo")
	if err != nil {
		return nil, err
	}
	encInfo, err := xmlcodec.RequireUniqueChild(root, "EncryptionPubKeyInfo")
	if err != nil {
		return nil, err
	}
	authKey, err := ParseRSAKeyValue(authInfo)
	if err != nil {
		return nil, err
	}
	encKey, err := ParseRSAKeyValue(encInfo)
	if err != nil {
		return nil, err
	}
	return &BankKeys{Authentication: authKey, Encryption: encKey}, nil
}
