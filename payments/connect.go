package payments

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"ebicsgw/crypto"
	"ebicsgw/models"
)

// Connector walks a connection through the key-exchange handshake. Each step
// is idempotent: completed steps are skipped on re-entry, so a crashed
// handshake resumes where it stopped.
type Connector struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewConnector builds a connector; nil logger and now get defaults.
func NewConnector(db *gorm.DB, logger *slog.Logger, now func() time.Time) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Connector{db: db, logger: logger, now: now}
}

// Connect runs INI, HIA, and HPB as needed and persists the resulting state.
// After a successful return the connection is ready for data exchange.
func (c *Connector) Connect(ctx context.Context, conn *models.BankConnection, client BankClient) error {
	logger := c.logger.With("connection", conn.Name)

	if conn.INIState != models.KeyStateSent {
		if err := client.INI(ctx); err != nil {
			return err
		}
		conn.INIState = models.KeyStateSent
		if err := c.save(conn); err != nil {
			return err
		}
		logger.Info("INI accepted")
	}
	if conn.HIAState != models.KeyStateSent {
		if err := client.HIA(ctx); err != nil {
			return err
		}
		conn.HIAState = models.KeyStateSent
		if err := c.save(conn); err != nil {
			return err
		}
		logger.Info("HIA accepted")
	}
	if !conn.Ready() {
		keys, err := client.HPB(ctx)
		if err != nil {
			return err
		}
		authDER, err := crypto.MarshalPublicKey(keys.Authentication)
		if err != nil {
			return err
		}
		encDER, err := crypto.MarshalPublicKey(keys.Encryption)
		if err != nil {
			return err
		}
		conn.BankAuthenticationKey = authDER
		conn.BankEncryptionKey = encDER
		if err := c.save(conn); err != nil {
			return err
		}
		client.SetBankKeys(keys.Authentication, keys.Encryption)
		logger.Info("bank keys stored",
			"auth_fingerprint", crypto.FingerprintHex(keys.Authentication),
			"enc_fingerprint", crypto.FingerprintHex(keys.Encryption))
	}
	return nil
}

func (c *Connector) save(conn *models.BankConnection) error {
	return c.db.Save(conn).Error
}
