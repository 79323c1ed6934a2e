package ebics

import (
	"context"
	"time"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/fault"
)

// Download state machine: initialisation -> transfer -> receipt. The bank
// assigns a transaction id in the initialisation response and streams the
// payload in 1-based segments; a receipt with code 0 closes the session.

// DateRange restricts a C5x download; HTD takes none.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Download runs a complete download transaction for the given order type and
// returns the decrypted, decompressed payload. A bank answering
// EBICS_NO_DOWNLOAD_DATA_AVAILABLE yields (nil, nil).
func (c *Client) Download(ctx context.Context, orderType string, dateRange *DateRange) ([]byte, error) {
	if !c.ready() {
		return nil, fault.New(fault.State, "bank keys unknown; run HPB before downloading")
	}

	var params *downloadParams
	if dateRange != nil {
		params = &downloadParams{Start: dateRange.Start, End: dateRange.End}
	}
	init := buildDownloadInit(c.cfg, orderType, params, c.bankAuth, c.bankEnc, c.now())
	resp, err := c.postSigned(ctx, init)
	if err != nil {
		return nil, err
	}
	codes, err := resp.codes()
	if err != nil {
		return nil, err
	}
	if codes.Business == CodeNoDownloadData || codes.Technical == CodeNoDownloadData {
		c.logger.Info("no download data available", "order_type", orderType)
		return nil, nil
	}
	if !codes.ok() {
		return nil, codes.fail(orderType + " initialisation")
	}

	txID, err := resp.transactionID()
	if err != nil {
		return nil, err
	}
	if txID == "" {
		return nil, fault.New(fault.Parse, "initialisation response lacks TransactionID")
	}
	total, err := resp.numSegments()
	if err != nil {
		return nil, err
	}
	if total < 1 {
		return nil, fault.New(fault.Parse, "initialisation response lacks NumSegments")
	}
	wrappedKey, err := resp.transactionKey()
	if err != nil {
		return nil, err
	}
	if wrappedKey == nil {
		return nil, fault.New(fault.Parse, "initialisation response lacks TransactionKey")
	}
	first, err := resp.orderData()
	if err != nil {
		return nil, err
	}

	segments := [][]byte{first}
	for seg := 2; seg <= total; seg++ {
		req := buildTransferRequest(c.cfg, txID, seg, total, "")
		segResp, err := c.postSigned(ctx, req)
		if err != nil {
			return nil, err
		}
		segCodes, err := segResp.codes()
		if err != nil {
			return nil, err
		}
		if !segCodes.ok() {
			return nil, segCodes.fail(orderType + " transfer")
		}
		data, err := segResp.orderData()
		if err != nil {
			return nil, err
		}
		segments = append(segments, data)
	}

	receipt := buildReceiptRequest(c.cfg, txID)
	receiptResp, err := c.postSigned(ctx, receipt)
	if err != nil {
		return nil, err
	}
	receiptCodes, err := receiptResp.codes()
	if err != nil {
		return nil, err
	}
	// EBICS_DOWNLOAD_POSTPROCESS_DONE is the regular receipt acknowledgement.
	if !receiptCodes.ok() && receiptCodes.Technical != CodeDownloadPostprocess && receiptCodes.Business != CodeDownloadPostprocess {
		return nil, receiptCodes.fail(orderType + " receipt")
	}

	var ciphertext []byte
	for _, seg := range segments {
		ciphertext = append(ciphertext, seg...)
	}
	return decryptOrderPayload(ciphertext, wrappedKey, c.keys)
}

// decryptOrderPayload unwraps the AES transaction key, decrypts the
// concatenated segment ciphertext, and inflates the result.
func decryptOrderPayload(ciphertext, wrappedKey []byte, keys *gwcrypto.KeyTriple) ([]byte, error) {
	compressed, err := gwcrypto.DecryptE002(&gwcrypto.Envelope{
		WrappedKey: wrappedKey,
		Ciphertext: ciphertext,
	}, keys.Encryption)
	if err != nil {
		return nil, err
	}
	return Inflate(compressed)
}
