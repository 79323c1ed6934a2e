// Package payments drives the payment-initiation lifecycle: submitting
// prepared pain.001s, ingesting downloaded statements into the normalized
// ledger, and reconciling the two.
package payments

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"time"

	"ebicsgw/crypto"
	"ebicsgw/ebics"
	"ebicsgw/fault"
	"ebicsgw/models"
)

// BankClient is the slice of the EBICS client the lifecycle needs. Tests
// substitute an in-process sandbox-backed client.
type BankClient interface {
	INI(ctx context.Context) error
	HIA(ctx context.Context) error
	HPB(ctx context.Context) (*ebics.BankKeys, error)
	HEV(ctx context.Context) ([]ebics.ProtocolVersion, error)
	Upload(ctx context.Context, orderType string, orderData []byte) (string, error)
	Download(ctx context.Context, orderType string, dateRange *ebics.DateRange) ([]byte, error)
	SetBankKeys(auth, enc *rsa.PublicKey)
}

// ClientFactory builds a BankClient for a connection. The default factory
// speaks real EBICS; tests inject one pointed at a sandbox host.
type ClientFactory func(conn *models.BankConnection) (BankClient, error)

// NewClientFactory returns the production factory. Every client shares the
// given logger and clock.
func NewClientFactory(logger *slog.Logger, now func() time.Time) ClientFactory {
	return func(conn *models.BankConnection) (BankClient, error) {
		return ClientForConnection(conn, ebics.Options{Logger: logger, Now: now})
	}
}

// ClientForConnection builds an EBICS client from a stored connection,
// including the bank keys when the handshake already completed.
func ClientForConnection(conn *models.BankConnection, opts ebics.Options) (*ebics.Client, error) {
	if conn.Protocol != models.ProtocolEbics {
		return nil, fault.New(fault.State, "connection %s speaks %q, not ebics", conn.Name, conn.Protocol)
	}
	keys, err := connectionKeys(conn)
	if err != nil {
		return nil, err
	}
	client := ebics.NewClient(ebics.Config{
		URL:       conn.EbicsURL,
		HostID:    conn.HostID,
		PartnerID: conn.PartnerID,
		UserID:    conn.UserID,
		SystemID:  conn.SystemID,
	}, keys, opts)

	if conn.Ready() {
		auth, err := crypto.ParsePublicKey(conn.BankAuthenticationKey)
		if err != nil {
			return nil, err
		}
		enc, err := crypto.ParsePublicKey(conn.BankEncryptionKey)
		if err != nil {
			return nil, err
		}
		client.SetBankKeys(auth, enc)
	}
	return client, nil
}

func connectionKeys(conn *models.BankConnection) (*crypto.KeyTriple, error) {
	sig, err := crypto.ParsePrivateKey(conn.SignatureKey)
	if err != nil {
		return nil, err
	}
	auth, err := crypto.ParsePrivateKey(conn.AuthenticationKey)
	if err != nil {
		return nil, err
	}
	enc, err := crypto.ParsePrivateKey(conn.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &crypto.KeyTriple{Signature: sig, Authentication: auth, Encryption: enc}, nil
}
