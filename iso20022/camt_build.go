package iso20022

import (
	"strings"
	"time"

	"github.com/beevik/etree"

	"ebicsgw/fault"
)

const camt053Namespace = "urn:iso:std:iso:20022:tech:xsd:camt.053.001.02"

// BuildCamt053 renders one statement as a camt.053.001.02 document. The
// sandbox host serves these for C53 downloads; ParseCamt reads them back.
func BuildCamt053(msgID string, creationTime time.Time, stmt Statement) ([]byte, error) {
	if !ValidIBAN(stmt.AccountIBAN) {
		return nil, fault.New(fault.BadRequest, "invalid account IBAN %q", stmt.AccountIBAN)
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("Document")
	root.CreateAttr("xmlns", camt053Namespace)
	wrapper := root.CreateElement("BkToCstmrStmt")

	grpHdr := wrapper.CreateElement("GrpHdr")
	grpHdr.CreateElement("MsgId").SetText(msgID)
	grpHdr.CreateElement("CreDtTm").SetText(creationTime.UTC().Format(time.RFC3339))

	s := wrapper.CreateElement("Stmt")
	s.CreateElement("Id").SetText(msgID)
	s.CreateElement("CreDtTm").SetText(creationTime.UTC().Format(time.RFC3339))
	acct := s.CreateElement("Acct")
	acct.CreateElement("Id").CreateElement("IBAN").SetText(stmt.AccountIBAN)

	if stmt.OpeningBalance != nil {
		buildBalance(s, "OPBD", *stmt.OpeningBalance)
	}
	if stmt.ClosingBalance != nil {
		buildBalance(s, "CLBD", *stmt.ClosingBalance)
	}
	for _, tx := range stmt.Entries {
		buildEntry(s, tx)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "render camt.053")
	}
	return out, nil
}

func buildBalance(stmt *etree.Element, code string, bal Balance) {
	b := stmt.CreateElement("Bal")
	b.CreateElement("Tp").CreateElement("CdOrPrtry").CreateElement("Cd").SetText(code)
	amt := b.CreateElement("Amt")
	amt.CreateAttr("Ccy", bal.Currency)
	amt.SetText(bal.Amount.String())
	b.CreateElement("CdtDbtInd").SetText(string(bal.Direction))
}

func buildEntry(stmt *etree.Element, tx Transaction) {
	ntry := stmt.CreateElement("Ntry")
	if tx.EntryRef != "" {
		ntry.CreateElement("NtryRef").SetText(tx.EntryRef)
	}
	amt := ntry.CreateElement("Amt")
	amt.CreateAttr("Ccy", tx.Currency)
	amt.SetText(tx.Amount.String())
	ntry.CreateElement("CdtDbtInd").SetText(string(tx.Direction))
	ntry.CreateElement("Sts").SetText(string(tx.Status))
	if tx.BookingDate != 0 {
		dt := ntry.CreateElement("BookgDt")
		dt.CreateElement("Dt").SetText(time.UnixMilli(tx.BookingDate).UTC().Format("2006-01-02"))
	}
	if tx.ValueDate != 0 {
		dt := ntry.CreateElement("ValDt")
		dt.CreateElement("Dt").SetText(time.UnixMilli(tx.ValueDate).UTC().Format("2006-01-02"))
	}
	buildBankTxCode(ntry, tx)

	details := ntry.CreateElement("NtryDtls")
	txd := details.CreateElement("TxDtls")
	if tx.EndToEndID != "" {
		txd.CreateElement("Refs").CreateElement("EndToEndId").SetText(tx.EndToEndID)
	}
	buildParties(txd, tx)
	if tx.Subject != "" {
		txd.CreateElement("RmtInf").CreateElement("Ustrd").SetText(tx.Subject)
	}
}

func buildBankTxCode(ntry *etree.Element, tx Transaction) {
	if tx.BankTxCode == "" && tx.ProprietaryCode == "" {
		return
	}
	btc := ntry.CreateElement("BkTxCd")
	if parts := strings.SplitN(tx.BankTxCode, "/", 3); len(parts) == 3 {
		domain := btc.CreateElement("Domn")
		domain.CreateElement("Cd").SetText(parts[0])
		family := domain.CreateElement("Fmly")
		family.CreateElement("Cd").SetText(parts[1])
		family.CreateElement("SubFmlyCd").SetText(parts[2])
	}
	if issuer, code, ok := strings.Cut(tx.ProprietaryCode, ":"); ok {
		prtry := btc.CreateElement("Prtry")
		prtry.CreateElement("Cd").SetText(code)
		prtry.CreateElement("Issr").SetText(issuer)
	}
}

func buildParties(txd *etree.Element, tx Transaction) {
	partyTag, acctTag, agentTag := "Dbtr", "DbtrAcct", "DbtrAgt"
	if tx.Direction == Debit {
		partyTag, acctTag, agentTag = "Cdtr", "CdtrAcct", "CdtrAgt"
	}
	if tx.CounterpartName != "" || tx.CounterpartIBAN != "" {
		parties := txd.CreateElement("RltdPties")
		if tx.CounterpartName != "" {
			parties.CreateElement(partyTag).CreateElement("Nm").SetText(tx.CounterpartName)
		}
		if tx.CounterpartIBAN != "" {
			parties.CreateElement(acctTag).CreateElement("Id").CreateElement("IBAN").SetText(tx.CounterpartIBAN)
		}
	}
	if tx.CounterpartBIC != "" {
		agents := txd.CreateElement("RltdAgts")
		agents.CreateElement(agentTag).CreateElement("FinInstnId").CreateElement("BIC").SetText(tx.CounterpartBIC)
	}
}
