package iso20022

import (
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"ebicsgw/fault"
	"ebicsgw/xmlcodec"
)

// camt.052 (intraday report) and camt.053 (end-of-day statement) share their
// entry structure; only the wrapper under Document differs.

// ParseCamt parses a camt.052.001.02 or camt.053.001.02 document into
// statements of normalized transactions.
func ParseCamt(data []byte) ([]Statement, error) {
	doc, err := xmlcodec.Parse(data)
	if err != nil {
		return nil, err
	}
	root, err := xmlcodec.RequireRoot(doc, "Document")
	if err != nil {
		return nil, err
	}

	var container *etree.Element
	var stmtTag string
	if rpt, err := xmlcodec.MaybeUniqueChild(root, "BkToCstmrAcctRpt"); err != nil {
		return nil, err
	} else if rpt != nil {
		container, stmtTag = rpt, "Rpt"
	} else if stmt, err := xmlcodec.MaybeUniqueChild(root, "BkToCstmrStmt"); err != nil {
		return nil, err
	} else if stmt != nil {
		container, stmtTag = stmt, "Stmt"
	} else {
		return nil, fault.New(fault.Parse, "Document is neither camt.052 nor camt.053")
	}

	var statements []Statement
	err = xmlcodec.MapEachChild(container, stmtTag, func(stmt *etree.Element) error {
		parsed, err := parseStatement(stmt)
		if err != nil {
			return err
		}
		statements = append(statements, *parsed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return statements, nil
}

// Transactions flattens every statement's entries.
func Transactions(statements []Statement) []Transaction {
	var out []Transaction
	for _, s := range statements {
		out = append(out, s.Entries...)
	}
	return out
}

func parseStatement(stmt *etree.Element) (*Statement, error) {
	acct, err := xmlcodec.Descend(stmt, "Acct", "Id")
	if err != nil {
		return nil, err
	}
	iban, err := xmlcodec.RequireChildText(acct, "IBAN")
	if err != nil {
		return nil, err
	}

	out := &Statement{AccountIBAN: iban}

	err = xmlcodec.MapEachChild(stmt, "Bal", func(bal *etree.Element) error {
		code, balance, err := parseBalance(bal)
		if err != nil {
			return err
		}
		switch code {
		case "OPBD":
			out.OpeningBalance = balance
		case "CLBD":
			out.ClosingBalance = balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = xmlcodec.MapEachChild(stmt, "Ntry", func(ntry *etree.Element) error {
		tx, err := parseEntry(ntry, iban)
		if err != nil {
			return err
		}
		out.Entries = append(out.Entries, *tx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseBalance(bal *etree.Element) (string, *Balance, error) {
	code, err := xmlcodec.MaybeDescend(bal, "Tp", "CdOrPrtry")
	if err != nil {
		return "", nil, err
	}
	balCode := ""
	if code != nil {
		balCode, err = xmlcodec.ChildText(code, "Cd")
		if err != nil {
			return "", nil, err
		}
	}
	amtEl, err := xmlcodec.RequireUniqueChild(bal, "Amt")
	if err != nil {
		return "", nil, err
	}
	amount, currency, err := parseAmount(amtEl)
	if err != nil {
		return "", nil, err
	}
	dirText, err := xmlcodec.RequireChildText(bal, "CdtDbtInd")
	if err != nil {
		return "", nil, err
	}
	dir, err := parseDirection(dirText)
	if err != nil {
		return "", nil, err
	}
	return balCode, &Balance{Amount: amount, Currency: currency, Direction: dir}, nil
}

func parseEntry(ntry *etree.Element, accountIBAN string) (*Transaction, error) {
	amtEl, err := xmlcodec.RequireUniqueChild(ntry, "Amt")
	if err != nil {
		return nil, err
	}
	amount, currency, err := parseAmount(amtEl)
	if err != nil {
		return nil, err
	}

	stsText, err := xmlcodec.RequireChildText(ntry, "Sts")
	if err != nil {
		return nil, err
	}
	status, err := parseStatus(stsText)
	if err != nil {
		return nil, err
	}

	dirText, err := xmlcodec.RequireChildText(ntry, "CdtDbtInd")
	if err != nil {
		return nil, err
	}
	direction, err := parseDirection(dirText)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		AccountIBAN: accountIBAN,
		Amount:      amount,
		Currency:    currency,
		Status:      status,
		Direction:   direction,
	}

	if tx.EntryRef, err = xmlcodec.ChildText(ntry, "NtryRef"); err != nil {
		return nil, err
	}
	if tx.EntryRef == "" {
		if tx.EntryRef, err = xmlcodec.ChildText(ntry, "AcctSvcrRef"); err != nil {
			return nil, err
		}
	}

	if tx.BookingDate, err = parseDateChild(ntry, "BookgDt"); err != nil {
		return nil, err
	}
	if tx.ValueDate, err = parseDateChild(ntry, "ValDt"); err != nil {
		return nil, err
	}

	if err := parseBankTxCode(ntry, tx); err != nil {
		return nil, err
	}

	details, err := xmlcodec.MaybeUniqueChild(ntry, "NtryDtls")
	if err != nil {
		return nil, err
	}
	if details != nil {
		count := 0
		var subject strings.Builder
		err = xmlcodec.MapEachChild(details, "TxDtls", func(txd *etree.Element) error {
			count++
			return parseTxDetails(txd, tx, &subject)
		})
		if err != nil {
			return nil, err
		}
		tx.Subject = subject.String()
		// The TxDtls count is authoritative; a disagreeing batch indicator
		// from the bank is flagged, not believed.
		tx.IsBatch = count > 1
		claimed, err := batchIndicator(ntry, details)
		if err != nil {
			return nil, err
		}
		if claimed != nil && *claimed != tx.IsBatch {
			tx.BatchFlagMismatch = true
		}
	}
	return tx, nil
}

// batchIndicator reads the document's own batch claim for an entry: the
// BtchBookg flag when present, otherwise Btch/NbOfTxs. Nil means the document
// makes no claim.
func batchIndicator(ntry, details *etree.Element) (*bool, error) {
	for _, el := range []*etree.Element{details, ntry} {
		text, err := xmlcodec.ChildText(el, "BtchBookg")
		if err != nil {
			return nil, err
		}
		if text != "" {
			v := text == "true" || text == "1"
			return &v, nil
		}
	}
	batch, err := xmlcodec.MaybeUniqueChild(details, "Btch")
	if err != nil || batch == nil {
		return nil, err
	}
	text, err := xmlcodec.ChildText(batch, "NbOfTxs")
	if err != nil || text == "" {
		return nil, err
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "invalid NbOfTxs %q", text)
	}
	v := n > 1
	return &v, nil
}

func parseTxDetails(txd *etree.Element, tx *Transaction, subject *strings.Builder) error {
	if tx.EndToEndID == "" {
		refs, err := xmlcodec.MaybeUniqueChild(txd, "Refs")
		if err != nil {
			return err
		}
		if refs != nil {
			if tx.EndToEndID, err = xmlcodec.ChildText(refs, "EndToEndId"); err != nil {
				return err
			}
		}
	}

	parties, err := xmlcodec.MaybeUniqueChild(txd, "RltdPties")
	if err != nil {
		return err
	}
	if parties != nil && tx.CounterpartName == "" {
		// The counterpart is the debtor for credits and the creditor for debits.
		partyTag, acctTag := "Dbtr", "DbtrAcct"
		if tx.Direction == Debit {
			partyTag, acctTag = "Cdtr", "CdtrAcct"
		}
		party, err := xmlcodec.MaybeUniqueChild(parties, partyTag)
		if err != nil {
			return err
		}
		if party != nil {
			if tx.CounterpartName, err = xmlcodec.ChildText(party, "Nm"); err != nil {
				return err
			}
		}
		acctID, err := xmlcodec.MaybeDescend(parties, acctTag, "Id")
		if err != nil {
			return err
		}
		if acctID != nil {
			if tx.CounterpartIBAN, err = xmlcodec.ChildText(acctID, "IBAN"); err != nil {
				return err
			}
		}
	}

	agents, err := xmlcodec.MaybeUniqueChild(txd, "RltdAgts")
	if err != nil {
		return err
	}
	if agents != nil && tx.CounterpartBIC == "" {
		agentTag := "DbtrAgt"
		if tx.Direction == Debit {
			agentTag = "CdtrAgt"
		}
		fin, err := xmlcodec.MaybeDescend(agents, agentTag, "FinInstnId")
		if err != nil {
			return err
		}
		if fin != nil {
			if tx.CounterpartBIC, err = xmlcodec.ChildText(fin, "BIC"); err != nil {
				return err
			}
		}
	}

	rmt, err := xmlcodec.MaybeUniqueChild(txd, "RmtInf")
	if err != nil {
		return err
	}
	if rmt != nil {
		// Ustrd lines concatenate verbatim; whitespace is remittance content.
		err = xmlcodec.MapEachChild(rmt, "Ustrd", func(u *etree.Element) error {
			subject.WriteString(u.Text())
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func parseBankTxCode(ntry *etree.Element, tx *Transaction) error {
	btc, err := xmlcodec.MaybeUniqueChild(ntry, "BkTxCd")
	if err != nil || btc == nil {
		return err
	}
	domain, err := xmlcodec.MaybeUniqueChild(btc, "Domn")
	if err != nil {
		return err
	}
	if domain != nil {
		d, err := xmlcodec.RequireChildText(domain, "Cd")
		if err != nil {
			return err
		}
		family, err := xmlcodec.RequireUniqueChild(domain, "Fmly")
		if err != nil {
			return err
		}
		f, err := xmlcodec.RequireChildText(family, "Cd")
		if err != nil {
			return err
		}
		sub, err := xmlcodec.ChildText(family, "SubFmlyCd")
		if err != nil {
			return err
		}
		tx.BankTxCode = d + "/" + f + "/" + sub
	}
	prtry, err := xmlcodec.MaybeUniqueChild(btc, "Prtry")
	if err != nil {
		return err
	}
	if prtry != nil {
		issuer, err := xmlcodec.ChildText(prtry, "Issr")
		if err != nil {
			return err
		}
		code, err := xmlcodec.ChildText(prtry, "Cd")
		if err != nil {
			return err
		}
		tx.ProprietaryCode = issuer + ":" + code
	}
	return nil
}

func parseAmount(amtEl *etree.Element) (decimal.Decimal, string, error) {
	text := strings.TrimSpace(amtEl.Text())
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, "", fault.Wrap(fault.Parse, err, "invalid amount %q", text)
	}
	currency := amtEl.SelectAttrValue("Ccy", "")
	if currency == "" {
		return decimal.Zero, "", fault.New(fault.Parse, "Amt element lacks Ccy attribute")
	}
	return amount, currency, nil
}

func parseStatus(s string) (Status, error) {
	switch s {
	case "BOOK":
		return Booked, nil
	case "PDNG":
		return Pending, nil
	}
	return "", fault.New(fault.Parse, "unknown entry status %q", s)
}

func parseDirection(s string) (Direction, error) {
	switch s {
	case "CRDT":
		return Credit, nil
	case "DBIT":
		return Debit, nil
	}
	return "", fault.New(fault.Parse, "unknown credit/debit indicator %q", s)
}

// parseDateChild reads BookgDt/ValDt: either Dt (calendar date) or DtTm.
func parseDateChild(ntry *etree.Element, tag string) (int64, error) {
	el, err := xmlcodec.MaybeUniqueChild(ntry, tag)
	if err != nil || el == nil {
		return 0, err
	}
	if text, err := xmlcodec.ChildText(el, "Dt"); err != nil {
		return 0, err
	} else if text != "" {
		ts, err := time.Parse("2006-01-02", text)
		if err != nil {
			return 0, fault.Wrap(fault.Parse, err, "invalid date %q", text)
		}
		return ts.UnixMilli(), nil
	}
	if text, err := xmlcodec.ChildText(el, "DtTm"); err != nil {
		return 0, err
	} else if text != "" {
		ts, err := time.Parse(time.RFC3339, text)
		if err != nil {
			return 0, fault.Wrap(fault.Parse, err, "invalid datetime %q", text)
		}
		return ts.UnixMilli(), nil
	}
	return 0, nil
}
