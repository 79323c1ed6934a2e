package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Protocol tags for bank connections. Only EBICS is implemented; the loopback
// tag exists so imports of foreign backups fail loudly instead of silently.
const (
	ProtocolEbics    = "ebics"
	ProtocolLoopback = "loopback"
)

// KeyState tracks the subscriber side of the INI/HIA handshake.
type KeyState string

const (
	KeyStateUnknown KeyState = "unknown"
	KeyStateNotSent KeyState = "not_sent"
	KeyStateSent    KeyState = "sent"
)

// BankConnection is one named EBICS subscriber configuration, owning its key
// material and handshake state.
type BankConnection struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:64"`
	Protocol  string    `gorm:"size:16;index"`
	EbicsURL  string    `gorm:"size:255"`
	HostID    string    `gorm:"size:64"`
	PartnerID string    `gorm:"size:64"`
	UserID    string    `gorm:"size:64"`
	SystemID  string    `gorm:"size:64"`

	// Subscriber private keys, PKCS#8 DER.
	SignatureKey      []byte
	AuthenticationKey []byte
	EncryptionKey     []byte

	// Bank public keys learned via HPB, PKIX DER. Both non-empty means the
	// connection is ready for data exchange.
	BankAuthenticationKey []byte
	BankEncryptionKey     []byte

	INIState KeyState `gorm:"size:16"`
	HIAState KeyState `gorm:"size:16"`

	LastFetchEnd time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ready reports whether the handshake completed and data exchange may start.
func (c *BankConnection) Ready() bool {
	return len(c.BankAuthenticationKey) > 0 && len(c.BankEncryptionKey) > 0
}

// BankAccount is an account reachable through a connection, populated manually
// or from an HTD download.
type BankAccount struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConnectionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_account_conn_iban"`
	IBAN         string    `gorm:"size:34;uniqueIndex:idx_account_conn_iban"`
	BIC          string    `gorm:"size:11"`
	HolderName   string    `gorm:"size:140"`

	// Monotonic high-water mark over ingested bank message ids; advanced
	// atomically with each ingest.
	HighestSeenMessageID int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment is a prepared payment initiation. The creditor tuple is immutable
// once Submitted flips to true; only the lifecycle flags ever change.
type Payment struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConnectionID uuid.UUID `gorm:"type:uuid;index"`
	AccountID    uuid.UUID `gorm:"type:uuid;index"`

	CreditorIBAN string          `gorm:"size:34"`
	CreditorBIC  string          `gorm:"size:11"`
	CreditorName string          `gorm:"size:140"`
	Amount       decimal.Decimal `gorm:"type:numeric"`
	Currency     string          `gorm:"size:3"`
	Subject      string          `gorm:"size:140"`

	PreparedAt           time.Time
	EndToEndID           string `gorm:"size:35;index"`
	PaymentInformationID string `gorm:"size:35"`
	MessageID            string `gorm:"size:35;uniqueIndex"`

	Submitted     bool `gorm:"index"`
	Invalid       bool
	InvalidReason string `gorm:"size:255"`
	SubmittedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RawMessage stores the verbatim XML of one downloaded camt document. The
// (connection, bank message id) pair is the deduplication key; rows are never
// updated after creation except to flag quarantine.
type RawMessage struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConnectionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_raw_conn_msg"`
	MessageID    string    `gorm:"size:64;uniqueIndex:idx_raw_conn_msg"`
	Body         []byte

	Quarantined      bool
	QuarantineReason string `gorm:"size:255"`

	CreatedAt time.Time
}

// Transaction is one normalized ledger entry derived from a raw message.
type Transaction struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountIBAN  string    `gorm:"size:34;uniqueIndex:idx_tx_acct_ref"`
	EntryRef     string    `gorm:"size:64;uniqueIndex:idx_tx_acct_ref"`
	RawMessageID uuid.UUID `gorm:"type:uuid;index"`

	CounterpartIBAN string          `gorm:"size:34"`
	CounterpartBIC  string          `gorm:"size:11"`
	CounterpartName string          `gorm:"size:140"`
	Amount          decimal.Decimal `gorm:"type:numeric"`
	Currency        string          `gorm:"size:3"`
	BookingDate     int64
	ValueDate       int64
	Subject         string `gorm:"size:512"`
	Direction       string `gorm:"size:4"`
	Status          string `gorm:"size:4"`
	IsBatch         bool
	BankTxCode      string `gorm:"size:64"`
	ProprietaryCode string `gorm:"size:64"`
	EndToEndID      string `gorm:"size:35;index"`

	// Reconciliation link to the payment whose end-to-end id matched;
	// established exactly once.
	PaymentID *uuid.UUID `gorm:"type:uuid;index"`

	CreatedAt time.Time
}

// StateEntry is the per-connection scalar key/value table. The scheduler
// persists its backoff window here so a flapping connection stays backed off
// across restarts.
type StateEntry struct {
	ConnectionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key          string    `gorm:"primaryKey;size:64"`
	Value        string    `gorm:"size:255"`
	UpdatedAt    time.Time
}

// AutoMigrate performs all schema migrations for the gateway.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&BankConnection{},
		&BankAccount{},
		&Payment{},
		&RawMessage{},
		&Transaction{},
		&StateEntry{},
	)
}
