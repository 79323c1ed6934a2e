package xmlcodec

import (
	"testing"

	"github.com/beevik/etree"
)

const nestedDoc = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.02">
  <BkToCstmrStmt>
    <Stmt>
      <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id></Acct>
      <Ntry><Amt Ccy="EUR">1.00</Amt></Ntry>
      <Ntry><Amt Ccy="EUR">5.00</Amt></Ntry>
    </Stmt>
  </BkToCstmrStmt>
</Document>`

func TestRequireRoot(t *testing.T) {
	doc, err := Parse([]byte(nestedDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := RequireRoot(doc, "Document"); err != nil {
		t.Fatalf("require root: %v", err)
	}
	if _, err := RequireRoot(doc, "Envelope"); err == nil {
		t.Fatal("expected mismatch for wrong root name")
	}
}

func TestDescendIgnoresNamespacePrefixes(t *testing.T) {
	prefixed := `<p:Document xmlns:p="urn:x"><p:BkToCstmrStmt><p:Stmt/></p:BkToCstmrStmt></p:Document>`
	doc, err := Parse([]byte(prefixed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root, err := RequireRoot(doc, "Document")
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if _, err := Descend(root, "BkToCstmrStmt", "Stmt"); err != nil {
		t.Fatalf("descend across prefixes: %v", err)
	}
}

func TestUniqueChildRejectsDuplicates(t *testing.T) {
	doc, err := Parse([]byte(nestedDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stmt, err := Descend(doc.Root(), "BkToCstmrStmt", "Stmt")
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	if _, err := RequireUniqueChild(stmt, "Ntry"); err == nil {
		t.Fatal("expected ambiguity error for duplicated Ntry")
	}
	missing, err := MaybeUniqueChild(stmt, "Bal")
	if err != nil {
		t.Fatalf("maybe: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for absent element")
	}
}

func TestMapEachChildOrder(t *testing.T) {
	doc, err := Parse([]byte(nestedDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stmt, err := Descend(doc.Root(), "BkToCstmrStmt", "Stmt")
	if err != nil {
		t.Fatalf("descend: %v", err)
	}
	var amounts []string
	err = MapEachChild(stmt, "Ntry", func(ntry *etree.Element) error {
		amt, err := RequireChildText(ntry, "Amt")
		if err != nil {
			return err
		}
		amounts = append(amounts, amt)
		return nil
	})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(amounts) != 2 || amounts[0] != "1.00" || amounts[1] != "5.00" {
		t.Fatalf("unexpected amounts %v", amounts)
	}
}

func TestAcceptableContentType(t *testing.T) {
	for _, ct := range []string{"text/xml", "text/plain", "text/xml; charset=UTF-8", ""} {
		if !AcceptableContentType(ct) {
			t.Fatalf("expected %q to be acceptable", ct)
		}
	}
	if AcceptableContentType("application/json") {
		t.Fatal("json must be rejected")
	}
}
