package iso20022

import (
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"

	"ebicsgw/fault"
	"ebicsgw/xmlcodec"
)

const painNamespace = "urn:iso:std:iso:20022:tech:xsd:pain.001.001.03"

// BuildPain001 renders a credit-transfer initiation as pain.001.001.03 with
// exactly one PmtInf holding exactly one CdtTrfTxInf.
func BuildPain001(p PaymentInitiation) ([]byte, error) {
	if err := validateInitiation(p); err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("Document")
	root.CreateAttr("xmlns", painNamespace)

	cstmr := root.CreateElement("CstmrCdtTrfInitn")

	hdr := cstmr.CreateElement("GrpHdr")
	hdr.CreateElement("MsgId").SetText(p.MessageID)
	hdr.CreateElement("CreDtTm").SetText(p.CreationTime.UTC().Format("2006-01-02T15:04:05Z"))
	hdr.CreateElement("NbOfTxs").SetText("1")
	hdr.CreateElement("CtrlSum").SetText(p.Amount.String())
	hdr.CreateElement("InitgPty").CreateElement("Nm").SetText(p.DebtorName)

	pmtInf := cstmr.CreateElement("PmtInf")
	pmtInf.CreateElement("PmtInfId").SetText(p.PaymentInformationID)
	pmtInf.CreateElement("PmtMtd").SetText("TRF")
	pmtInf.CreateElement("BtchBookg").SetText("true")
	pmtInf.CreateElement("NbOfTxs").SetText("1")
	pmtInf.CreateElement("CtrlSum").SetText(p.Amount.String())
	svcLvl := pmtInf.CreateElement("PmtTpInf").CreateElement("SvcLvl")
	svcLvl.CreateElement("Cd").SetText("SEPA")
	pmtInf.CreateElement("ReqdExctnDt").SetText(p.ExecutionDate.UTC().Format("2006-01-02"))
	pmtInf.CreateElement("Dbtr").CreateElement("Nm").SetText(p.DebtorName)
	pmtInf.CreateElement("DbtrAcct").CreateElement("Id").CreateElement("IBAN").SetText(p.DebtorIBAN)
	pmtInf.CreateElement("DbtrAgt").CreateElement("FinInstnId").CreateElement("BIC").SetText(p.DebtorBIC)
	pmtInf.CreateElement("ChrgBr").SetText("SLEV")

	tx := pmtInf.CreateElement("CdtTrfTxInf")
	endToEnd := p.EndToEndID
	if endToEnd == "" {
		endToEnd = "NOTPROVIDED"
	}
	tx.CreateElement("PmtId").CreateElement("EndToEndId").SetText(endToEnd)
	instdAmt := tx.CreateElement("Amt").CreateElement("InstdAmt")
	instdAmt.CreateAttr("Ccy", p.Currency)
	instdAmt.SetText(p.Amount.String())
	tx.CreateElement("CdtrAgt").CreateElement("FinInstnId").CreateElement("BIC").SetText(p.CreditorBIC)
	tx.CreateElement("Cdtr").CreateElement("Nm").SetText(p.CreditorName)
	tx.CreateElement("CdtrAcct").CreateElement("Id").CreateElement("IBAN").SetText(p.CreditorIBAN)
	tx.CreateElement("RmtInf").CreateElement("Ustrd").SetText(p.Subject)

	return xmlcodec.Serialize(doc)
}

// ParsePain001 recovers the initiation fields from a pain.001.001.03 document.
// The sandbox host uses it to book uploads; tests use it to close the
// emit-parse round trip.
func ParsePain001(data []byte) (*PaymentInitiation, error) {
	doc, err := xmlcodec.Parse(data)
	if err != nil {
		return nil, err
	}
	root, err := xmlcodec.RequireRoot(doc, "Document")
	if err != nil {
		return nil, err
	}
	cstmr, err := xmlcodec.RequireUniqueChild(root, "CstmrCdtTrfInitn")
	if err != nil {
		return nil, err
	}

	out := &PaymentInitiation{}

	hdr, err := xmlcodec.RequireUniqueChild(cstmr, "GrpHdr")
	if err != nil {
		return nil, err
	}
	if out.MessageID, err = xmlcodec.RequireChildText(hdr, "MsgId"); err != nil {
		return nil, err
	}
	creDtTm, err := xmlcodec.RequireChildText(hdr, "CreDtTm")
	if err != nil {
		return nil, err
	}
	if out.CreationTime, err = parseISOTime(creDtTm); err != nil {
		return nil, err
	}

	pmtInf, err := xmlcodec.RequireUniqueChild(cstmr, "PmtInf")
	if err != nil {
		return nil, err
	}
	if out.PaymentInformationID, err = xmlcodec.RequireChildText(pmtInf, "PmtInfId"); err != nil {
		return nil, err
	}
	if execDt, err := xmlcodec.ChildText(pmtInf, "ReqdExctnDt"); err != nil {
		return nil, err
	} else if execDt != "" {
		if out.ExecutionDate, err = time.Parse("2006-01-02", execDt); err != nil {
			return nil, fault.Wrap(fault.Parse, err, "invalid ReqdExctnDt %q", execDt)
		}
	}

	dbtr, err := xmlcodec.RequireUniqueChild(pmtInf, "Dbtr")
	if err != nil {
		return nil, err
	}
	if out.DebtorName, err = xmlcodec.ChildText(dbtr, "Nm"); err != nil {
		return nil, err
	}
	dbtrID, err := xmlcodec.Descend(pmtInf, "DbtrAcct", "Id")
	if err != nil {
		return nil, err
	}
	if out.DebtorIBAN, err = xmlcodec.RequireChildText(dbtrID, "IBAN"); err != nil {
		return nil, err
	}
	if fin, err := xmlcodec.MaybeDescend(pmtInf, "DbtrAgt", "FinInstnId"); err != nil {
		return nil, err
	} else if fin != nil {
		if out.DebtorBIC, err = xmlcodec.ChildText(fin, "BIC"); err != nil {
			return nil, err
		}
	}

	tx, err := xmlcodec.RequireUniqueChild(pmtInf, "CdtTrfTxInf")
	if err != nil {
		return nil, err
	}
	if pmtID, err := xmlcodec.MaybeUniqueChild(tx, "PmtId"); err != nil {
		return nil, err
	} else if pmtID != nil {
		if out.EndToEndID, err = xmlcodec.ChildText(pmtID, "EndToEndId"); err != nil {
			return nil, err
		}
	}
	amtEl, err := xmlcodec.Descend(tx, "Amt", "InstdAmt")
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(amtEl.Text()))
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "invalid InstdAmt")
	}
	out.Amount = amount
	out.Currency = amtEl.SelectAttrValue("Ccy", "")

	if cdtr, err := xmlcodec.MaybeUniqueChild(tx, "Cdtr"); err != nil {
		return nil, err
	} else if cdtr != nil {
		if out.CreditorName, err = xmlcodec.ChildText(cdtr, "Nm"); err != nil {
			return nil, err
		}
	}
	cdtrID, err := xmlcodec.Descend(tx, "CdtrAcct", "Id")
	if err != nil {
		return nil, err
	}
	if out.CreditorIBAN, err = xmlcodec.RequireChildText(cdtrID, "IBAN"); err != nil {
		return nil, err
	}
	if fin, err := xmlcodec.MaybeDescend(tx, "CdtrAgt", "FinInstnId"); err != nil {
		return nil, err
	} else if fin != nil {
		if out.CreditorBIC, err = xmlcodec.ChildText(fin, "BIC"); err != nil {
			return nil, err
		}
	}
	if rmt, err := xmlcodec.MaybeUniqueChild(tx, "RmtInf"); err != nil {
		return nil, err
	} else if rmt != nil {
		var subject strings.Builder
		err = xmlcodec.MapEachChild(rmt, "Ustrd", func(u *etree.Element) error {
			subject.WriteString(u.Text())
			return nil
		})
		if err != nil {
			return nil, err
		}
		out.Subject = subject.String()
	}
	return out, nil
}

func validateInitiation(p PaymentInitiation) error {
	if p.MessageID == "" || p.PaymentInformationID == "" {
		return fault.New(fault.BadRequest, "missing message or payment information id")
	}
	if !ValidIBAN(p.DebtorIBAN) {
		return fault.New(fault.BadRequest, "invalid debtor IBAN %q", p.DebtorIBAN)
	}
	if !ValidIBAN(p.CreditorIBAN) {
		return fault.New(fault.BadRequest, "invalid creditor IBAN %q", p.CreditorIBAN)
	}
	if p.Amount.Sign() <= 0 {
		return fault.New(fault.BadRequest, "amount must be positive")
	}
	if len(p.Currency) != 3 {
		return fault.New(fault.BadRequest, "invalid currency %q", p.Currency)
	}
	return nil
}

func parseISOTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fault.New(fault.Parse, "invalid CreDtTm %q", s)
}
