package iso20022

import (
	"testing"

	"github.com/shopspring/decimal"
)

const camt053TwoEntries = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.02">
 <BkToCstmrStmt>
  <Stmt>
   <Id>STMT-2024-001</Id>
   <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id></Acct>
   <Bal>
    <Tp><CdOrPrtry><Cd>OPBD</Cd></CdOrPrtry></Tp>
    <Amt Ccy="EUR">100.00</Amt>
    <CdtDbtInd>CRDT</CdtDbtInd>
   </Bal>
   <Bal>
    <Tp><CdOrPrtry><Cd>CLBD</Cd></CdOrPrtry></Tp>
    <Amt Ccy="EUR">106.00</Amt>
    <CdtDbtInd>CRDT</CdtDbtInd>
   </Bal>
   <Ntry>
    <NtryRef>REF-1</NtryRef>
    <Amt Ccy="EUR">1.00</Amt>
    <CdtDbtInd>CRDT</CdtDbtInd>
    <Sts>BOOK</Sts>
    <BookgDt><Dt>2024-05-02</Dt></BookgDt>
    <ValDt><Dt>2024-05-02</Dt></ValDt>
    <BkTxCd><Domn><Cd>PMNT</Cd><Fmly><Cd>RCDT</Cd><SubFmlyCd>ESCT</SubFmlyCd></Fmly></Domn></BkTxCd>
    <NtryDtls>
     <TxDtls>
      <Refs><EndToEndId>E2E-1</EndToEndId></Refs>
      <RltdPties>
       <Dbtr><Nm>Alice Example</Nm></Dbtr>
       <DbtrAcct><Id><IBAN>DE75512108001245126199</IBAN></Id></DbtrAcct>
      </RltdPties>
      <RltdAgts><DbtrAgt><FinInstnId><BIC>SOGEDEFF</BIC></FinInstnId></DbtrAgt></RltdAgts>
      <RmtInf><Ustrd>rent</Ustrd></RmtInf>
     </TxDtls>
    </NtryDtls>
   </Ntry>
   <Ntry>
    <NtryRef>REF-2</NtryRef>
    <Amt Ccy="EUR">5.00</Amt>
    <CdtDbtInd>CRDT</CdtDbtInd>
    <Sts>BOOK</Sts>
    <BookgDt><Dt>2024-05-02</Dt></BookgDt>
    <NtryDtls>
     <TxDtls>
      <Refs><EndToEndId>E2E-2</EndToEndId></Refs>
      <RmtInf><Ustrd>invoice 7</Ustrd></RmtInf>
     </TxDtls>
    </NtryDtls>
   </Ntry>
  </Stmt>
 </BkToCstmrStmt>
</Document>`

const camt053BatchedReturn = `<?xml version="1.0" encoding="UTF-8"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:camt.053.001.02">
 <BkToCstmrStmt>
  <Stmt>
   <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id></Acct>
   <Ntry>
    <NtryRef>RTN-1</NtryRef>
    <Amt Ccy="EUR">25.00</Amt>
    <CdtDbtInd>CRDT</CdtDbtInd>
    <Sts>BOOK</Sts>
    <BkTxCd><Domn><Cd>PMNT</Cd><Fmly><Cd>ICDT</Cd><SubFmlyCd>RRTN</SubFmlyCd></Fmly></Domn></BkTxCd>
    <NtryDtls>
     <TxDtls>
      <RmtInf><Ustrd>first part </Ustrd><Ustrd>second part</Ustrd></RmtInf>
     </TxDtls>
    </NtryDtls>
   </Ntry>
  </Stmt>
 </BkToCstmrStmt>
</Document>`

func TestParseCamt053TwoEntries(t *testing.T) {
	statements, err := ParseCamt([]byte(camt053TwoEntries))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(statements) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(statements))
	}
	stmt := statements[0]
	if stmt.AccountIBAN != "DE89370400440532013000" {
		t.Fatalf("wrong account %q", stmt.AccountIBAN)
	}
	if len(stmt.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(stmt.Entries))
	}
	first, second := stmt.Entries[0], stmt.Entries[1]
	if !first.Amount.Equal(decimal.RequireFromString("1.00")) || first.Currency != "EUR" {
		t.Fatalf("first entry amount %s %s", first.Amount, first.Currency)
	}
	if !second.Amount.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("second entry amount %s", second.Amount)
	}
	for _, tx := range stmt.Entries {
		if tx.Status != Booked || tx.Direction != Credit {
			t.Fatalf("entry %q status=%s direction=%s", tx.EntryRef, tx.Status, tx.Direction)
		}
	}
	if first.BankTxCode != "PMNT/RCDT/ESCT" {
		t.Fatalf("bank tx code %q", first.BankTxCode)
	}
	if first.CounterpartName != "Alice Example" || first.CounterpartIBAN != "DE75512108001245126199" || first.CounterpartBIC != "SOGEDEFF" {
		t.Fatalf("counterpart %+v", first)
	}
	if first.EndToEndID != "E2E-1" || first.Subject != "rent" {
		t.Fatalf("refs %q subject %q", first.EndToEndID, first.Subject)
	}
	if first.IsBatch || second.IsBatch {
		t.Fatal("single-detail entries must not be batches")
	}
}

func TestBalanceInvariant(t *testing.T) {
	statements, err := ParseCamt([]byte(camt053TwoEntries))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	stmt := statements[0]
	if stmt.OpeningBalance == nil || stmt.ClosingBalance == nil {
		t.Fatal("balances missing")
	}
	var delta decimal.Decimal
	for _, tx := range stmt.Entries {
		delta = delta.Add(tx.SignedAmount())
	}
	want := stmt.ClosingBalance.Signed().Sub(stmt.OpeningBalance.Signed())
	if !delta.Equal(want) {
		t.Fatalf("credits-debits %s != balance delta %s", delta, want)
	}
}

func TestBatchedReturnConcatenatesUstrd(t *testing.T) {
	statements, err := ParseCamt([]byte(camt053BatchedReturn))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries := Transactions(statements)
	if len(entries) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(entries))
	}
	tx := entries[0]
	// Ustrd lines join verbatim; the trailing space of the first line stays.
	if tx.Subject != "first part second part" {
		t.Fatalf("subject %q", tx.Subject)
	}
	if tx.BankTxCode != "PMNT/ICDT/RRTN" {
		t.Fatalf("bank tx code %q", tx.BankTxCode)
	}
	if tx.IsBatch {
		t.Fatal("one TxDtls means not a batch")
	}
}

func TestBatchIndicatorMismatchFlagged(t *testing.T) {
	doc := `<Document><BkToCstmrStmt><Stmt>
 <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id></Acct>
 <Ntry>
  <Amt Ccy="EUR">9.00</Amt>
  <CdtDbtInd>CRDT</CdtDbtInd>
  <Sts>BOOK</Sts>
  <NtryDtls>
   <BtchBookg>true</BtchBookg>
   <TxDtls><Refs><EndToEndId>E2E-B</EndToEndId></Refs></TxDtls>
  </NtryDtls>
 </Ntry>
</Stmt></BkToCstmrStmt></Document>`
	statements, err := ParseCamt([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries := Transactions(statements)
	if len(entries) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(entries))
	}
	tx := entries[0]
	if tx.IsBatch {
		t.Fatal("one TxDtls wins over the bank's batch flag")
	}
	if !tx.BatchFlagMismatch {
		t.Fatal("disagreeing BtchBookg not flagged")
	}
}

func TestBatchCountIndicatorAgrees(t *testing.T) {
	doc := `<Document><BkToCstmrStmt><Stmt>
 <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id></Acct>
 <Ntry>
  <Amt Ccy="EUR">9.00</Amt>
  <CdtDbtInd>CRDT</CdtDbtInd>
  <Sts>BOOK</Sts>
  <NtryDtls>
   <Btch><NbOfTxs>2</NbOfTxs></Btch>
   <TxDtls><Refs><EndToEndId>E2E-1</EndToEndId></Refs></TxDtls>
   <TxDtls><Refs><EndToEndId>E2E-2</EndToEndId></Refs></TxDtls>
  </NtryDtls>
 </Ntry>
</Stmt></BkToCstmrStmt></Document>`
	statements, err := ParseCamt([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tx := Transactions(statements)[0]
	if !tx.IsBatch || tx.BatchFlagMismatch {
		t.Fatalf("batch=%v mismatch=%v", tx.IsBatch, tx.BatchFlagMismatch)
	}
}

func TestParseCamtRejectsWrongRoot(t *testing.T) {
	if _, err := ParseCamt([]byte(`<Envelope/>`)); err == nil {
		t.Fatal("expected failure for wrong root")
	}
	if _, err := ParseCamt([]byte(`<Document><Unknown/></Document>`)); err == nil {
		t.Fatal("expected failure for unknown child")
	}
}

func TestParseCamtRejectsUnknownStatus(t *testing.T) {
	doc := `<Document><BkToCstmrStmt><Stmt>
 <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id></Acct>
 <Ntry><Amt Ccy="EUR">1.00</Amt><CdtDbtInd>CRDT</CdtDbtInd><Sts>MAYBE</Sts></Ntry>
</Stmt></BkToCstmrStmt></Document>`
	if _, err := ParseCamt([]byte(doc)); err == nil {
		t.Fatal("expected failure for unknown status")
	}
}

func TestParseCamt052Report(t *testing.T) {
	doc := `<Document><BkToCstmrAcctRpt><Rpt>
 <Acct><Id><IBAN>DE89370400440532013000</IBAN></Id></Acct>
 <Ntry><Amt Ccy="EUR">2.50</Amt><CdtDbtInd>DBIT</CdtDbtInd><Sts>PDNG</Sts></Ntry>
</Rpt></BkToCstmrAcctRpt></Document>`
	statements, err := ParseCamt([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	entries := Transactions(statements)
	if len(entries) != 1 || entries[0].Status != Pending || entries[0].Direction != Debit {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if !entries[0].SignedAmount().Equal(decimal.RequireFromString("-2.5")) {
		t.Fatalf("signed amount %s", entries[0].SignedAmount())
	}
}
