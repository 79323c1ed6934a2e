// Package sandbox implements an in-process EBICS host with a small demo bank
// behind it. It exists for local development and for exercising the client
// end to end without a real bank.
package sandbox

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ebicsgw/ebics"
	"ebicsgw/iso20022"
)

// Account is one ledger account of the demo bank.
type Account struct {
	IBAN     string
	BIC      string
	Owner    string
	Currency string

	balance decimal.Decimal
	entries []iso20022.Transaction
	// reported marks how many entries the last statement covered.
	reported int
}

// DemoBank is an in-memory double-entry-ish ledger. External counterparts are
// simulated: a transfer to an unknown IBAN simply debits the ordering account.
type DemoBank struct {
	mu       sync.Mutex
	accounts map[string]*Account
	// seenMessages suppresses double submission of the same pain.001.
	seenMessages map[string]bool
	entrySeq     int
	msgSeq       int64
	now          func() time.Time
}

// NewDemoBank builds an empty ledger; nil now defaults to time.Now.
func NewDemoBank(now func() time.Time) *DemoBank {
	if now == nil {
		now = time.Now
	}
	return &DemoBank{
		accounts:     make(map[string]*Account),
		seenMessages: make(map[string]bool),
		now:          now,
	}
}

// AddAccount registers a ledger account with an opening balance.
func (b *DemoBank) AddAccount(acct Account, opening decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct.balance = opening
	b.accounts[acct.IBAN] = &acct
}

// Account looks up a ledger account by IBAN.
func (b *DemoBank) Account(iban string) (*Account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[iban]
	return acct, ok
}

func (b *DemoBank) nextEntryRef() string {
	b.entrySeq++
	return fmt.Sprintf("SANDBOX-%06d", b.entrySeq)
}

// BookTransfer validates and books a parsed pain.001. The returned string is
// an EBICS business return code; ebics.CodeOK means booked (or a suppressed
// duplicate).
func (b *DemoBank) BookTransfer(init *iso20022.PaymentInitiation, ownerIBANs []string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	debtor, ok := b.accounts[init.DebtorIBAN]
	if !ok || !contains(ownerIBANs, init.DebtorIBAN) {
		return ebics.CodeAccountAuthFailed
	}
	if !iso20022.ValidBIC(init.CreditorBIC) || !iso20022.ValidIBAN(init.CreditorIBAN) {
		return ebics.CodeProcessingError
	}
	if !strings.EqualFold(init.Currency, debtor.Currency) {
		return ebics.CodeProcessingError
	}
	if !init.Amount.IsPositive() {
		return ebics.CodeProcessingError
	}
	if b.seenMessages[init.MessageID] {
		// Same MsgId again: acknowledged, never booked twice.
		return ebics.CodeOK
	}
	b.seenMessages[init.MessageID] = true

	now := b.now().UnixMilli()
	debtor.balance = debtor.balance.Sub(init.Amount)
	debtor.entries = append(debtor.entries, iso20022.Transaction{
		AccountIBAN:     debtor.IBAN,
		CounterpartIBAN: init.CreditorIBAN,
		CounterpartBIC:  init.CreditorBIC,
		CounterpartName: init.CreditorName,
		Amount:          init.Amount,
		Currency:        init.Currency,
		BookingDate:     now,
		ValueDate:       now,
		Subject:         init.Subject,
		Direction:       iso20022.Debit,
		Status:          iso20022.Booked,
		BankTxCode:      "PMNT/ICDT/ESCT",
		EndToEndID:      init.EndToEndID,
		EntryRef:        b.nextEntryRef(),
	})

	// Intra-bank transfers credit the receiving side too.
	if creditor, ok := b.accounts[init.CreditorIBAN]; ok {
		creditor.balance = creditor.balance.Add(init.Amount)
		creditor.entries = append(creditor.entries, iso20022.Transaction{
			AccountIBAN:     creditor.IBAN,
			CounterpartIBAN: init.DebtorIBAN,
			CounterpartBIC:  init.DebtorBIC,
			CounterpartName: init.DebtorName,
			Amount:          init.Amount,
			Currency:        init.Currency,
			BookingDate:     now,
			ValueDate:       now,
			Subject:         init.Subject,
			Direction:       iso20022.Credit,
			Status:          iso20022.Booked,
			BankTxCode:      "PMNT/RCDT/ESCT",
			EndToEndID:      init.EndToEndID,
			EntryRef:        b.nextEntryRef(),
		})
	}
	return ebics.CodeOK
}

// Credit books an externally originated incoming payment; scenario seeding
// uses it to simulate customers paying in.
func (b *DemoBank) Credit(iban, fromIBAN, fromBIC, fromName, subject, endToEndID string, amount decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[iban]
	if !ok {
		return fmt.Errorf("sandbox: no account %s", iban)
	}
	now := b.now().UnixMilli()
	acct.balance = acct.balance.Add(amount)
	acct.entries = append(acct.entries, iso20022.Transaction{
		AccountIBAN:     iban,
		CounterpartIBAN: fromIBAN,
		CounterpartBIC:  fromBIC,
		CounterpartName: fromName,
		Amount:          amount,
		Currency:        acct.Currency,
		BookingDate:     now,
		ValueDate:       now,
		Subject:         subject,
		Direction:       iso20022.Credit,
		Status:          iso20022.Booked,
		BankTxCode:      "PMNT/RCDT/ESCT",
		EndToEndID:      endToEndID,
		EntryRef:        b.nextEntryRef(),
	})
	return nil
}

// Statement drains the unreported entries of every account in ibans into
// camt.053 documents, one per account with news. Nil means nothing new.
func (b *DemoBank) Statement(ibans []string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var docs [][]byte
	for _, iban := range ibans {
		acct, ok := b.accounts[iban]
		if !ok || acct.reported >= len(acct.entries) {
			continue
		}
		fresh := acct.entries[acct.reported:]

		opening := acct.balance
		for _, tx := range fresh {
			opening = opening.Sub(tx.SignedAmount())
		}
		stmt := iso20022.Statement{
			AccountIBAN:    iban,
			OpeningBalance: balanceOf(opening, acct.Currency),
			ClosingBalance: balanceOf(acct.balance, acct.Currency),
			Entries:        fresh,
		}
		b.msgSeq++
		msgID := fmt.Sprintf("%d", b.msgSeq)
		doc, err := iso20022.BuildCamt053(msgID, b.now(), stmt)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
		acct.reported = len(acct.entries)
	}
	return docs, nil
}

// Balance reports the current balance of an account.
func (b *DemoBank) Balance(iban string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[iban]
	if !ok {
		return decimal.Zero, false
	}
	return acct.balance, true
}

func balanceOf(amount decimal.Decimal, currency string) *iso20022.Balance {
	dir := iso20022.Credit
	if amount.IsNegative() {
		dir = iso20022.Debit
		amount = amount.Neg()
	}
	return &iso20022.Balance{Amount: amount, Currency: currency, Direction: dir}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
