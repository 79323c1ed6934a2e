package iso20022

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction distinguishes money entering from money leaving the booking
// account.
type Direction string

const (
	Credit Direction = "CRDT"
	Debit  Direction = "DBIT"
)

// Status is the booking status of an entry.
type Status string

const (
	Booked  Status = "BOOK"
	Pending Status = "PDNG"
)

// Transaction is the normalized form of one camt entry.
type Transaction struct {
	AccountIBAN     string
	CounterpartIBAN string
	CounterpartBIC  string
	CounterpartName string
	Amount          decimal.Decimal
	Currency        string
	BookingDate     int64 // unix milliseconds
	ValueDate       int64
	Subject         string
	Direction       Direction
	Status          Status
	IsBatch         bool
	// BatchFlagMismatch is set when the document's BtchBookg or Btch/NbOfTxs
	// claim disagrees with the TxDtls count; the count wins.
	BatchFlagMismatch bool
	BankTxCode        string // ISO form domain/family/subfamily
	ProprietaryCode   string // issuer:code
	EndToEndID        string
	EntryRef          string
}

// SignedAmount renders debits as negative values.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Direction == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Balance is an opening or closing statement balance.
type Balance struct {
	Amount    decimal.Decimal
	Currency  string
	Direction Direction
}

// Signed renders a debit balance as negative.
func (b Balance) Signed() decimal.Decimal {
	if b.Direction == Debit {
		return b.Amount.Neg()
	}
	return b.Amount
}

// Statement is the parsed form of one Rpt (camt.052) or Stmt (camt.053)
// element.
type Statement struct {
	AccountIBAN    string
	OpeningBalance *Balance
	ClosingBalance *Balance
	Entries        []Transaction
}

// PaymentInitiation is the high-level input for a pain.001 credit transfer and
// the output of parsing one back.
type PaymentInitiation struct {
	MessageID            string
	PaymentInformationID string
	EndToEndID           string
	CreationTime         time.Time
	ExecutionDate        time.Time
	DebtorName           string
	DebtorIBAN           string
	DebtorBIC            string
	CreditorName         string
	CreditorIBAN         string
	CreditorBIC          string
	Amount               decimal.Decimal
	Currency             string
	Subject              string
}

var bicPattern = regexp.MustCompile(`^[A-Z]{6}[A-Z0-9]{2}([A-Z0-9]{3})?$`)

// ValidBIC checks the ISO 9362 shape: 8 or 11 upper-case alphanumerics.
func ValidBIC(bic string) bool {
	return bicPattern.MatchString(bic)
}

// ValidIBAN checks shape and the ISO 7064 mod-97 checksum.
func ValidIBAN(iban string) bool {
	s := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	rearranged := s[4:] + s[:4]
	rem := 0
	for _, r := range rearranged {
		if r >= 'A' && r <= 'Z' {
			v := int(r-'A') + 10
			rem = (rem*100 + v) % 97
		} else {
			rem = (rem*10 + int(r-'0')) % 97
		}
	}
	return rem == 1
}
