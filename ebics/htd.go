package ebics

import (
	"github.com/beevik/etree"

	"ebicsgw/xmlcodec"
)

// AccountInfo is one account the bank offers the subscriber, as listed in an
// HTD download.
type AccountInfo struct {
	IBAN      string
	BIC       string
	OwnerName string
	Currency  string
}

// ParseHTD reads HTDResponseOrderData into the accounts it advertises.
// Accounts without an international (IBAN) account number are skipped; the
// gateway cannot address them.
func ParseHTD(data []byte) ([]AccountInfo, error) {
	doc, err := xmlcodec.Parse(data)
	if err != nil {
		return nil, err
	}
	root, err := xmlcodec.RequireRoot(doc, "HTDResponseOrderData")
	if err != nil {
		return nil, err
	}
	partner, err := xmlcodec.MaybeUniqueChild(root, "PartnerInfo")
	if err != nil || partner == nil {
		return nil, err
	}

	var accounts []AccountInfo
	err = xmlcodec.MapEachChild(partner, "AccountInfo", func(info *etree.Element) error {
		acct := AccountInfo{Currency: info.SelectAttrValue("Currency", "")}
		for _, child := range info.ChildElements() {
			switch child.Tag {
			case "AccountNumber":
				if child.SelectAttrValue("international", "") == "true" {
					acct.IBAN = child.Text()
				}
			case "BankCode":
				if child.SelectAttrValue("international", "") == "true" {
					acct.BIC = child.Text()
				}
			case "AccountHolder":
				acct.OwnerName = child.Text()
			}
		}
		if acct.IBAN != "" {
			accounts = append(accounts, acct)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}
