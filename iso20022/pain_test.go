package iso20022

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func sampleInitiation() PaymentInitiation {
	return PaymentInitiation{
		MessageID:            "MSG-0001",
		PaymentInformationID: "PMT-0001",
		EndToEndID:           "E2E-0001",
		CreationTime:         time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC),
		ExecutionDate:        time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
		DebtorName:           "Debit GmbH",
		DebtorIBAN:           "DE89370400440532013000",
		DebtorBIC:            "COBADEFFXXX",
		CreditorName:         "Credit AG",
		CreditorIBAN:         "DE75512108001245126199",
		CreditorBIC:          "SOGEDEFF",
		Amount:               decimal.RequireFromString("42.17"),
		Currency:             "EUR",
		Subject:              "invoice 2024-77",
	}
}

func TestPain001RoundTrip(t *testing.T) {
	in := sampleInitiation()
	raw, err := BuildPain001(in)
	require.NoError(t, err)

	out, err := ParsePain001(raw)
	require.NoError(t, err)

	require.Equal(t, in.MessageID, out.MessageID)
	require.Equal(t, in.EndToEndID, out.EndToEndID)
	require.Equal(t, in.CreditorIBAN, out.CreditorIBAN)
	require.Equal(t, in.CreditorBIC, out.CreditorBIC)
	require.Equal(t, in.CreditorName, out.CreditorName)
	require.Equal(t, in.DebtorIBAN, out.DebtorIBAN)
	require.Equal(t, in.Currency, out.Currency)
	require.Equal(t, in.Subject, out.Subject)
	require.True(t, in.Amount.Equal(out.Amount), "amount %s != %s", in.Amount, out.Amount)
	require.True(t, in.CreationTime.Equal(out.CreationTime))
}

func TestPain001RequiredFields(t *testing.T) {
	raw, err := BuildPain001(sampleInitiation())
	require.NoError(t, err)
	body := string(raw)

	for _, want := range []string{
		"<NbOfTxs>1</NbOfTxs>",
		"<CtrlSum>42.17</CtrlSum>",
		"<PmtMtd>TRF</PmtMtd>",
		"<BtchBookg>true</BtchBookg>",
		"<ChrgBr>SLEV</ChrgBr>",
		`<InstdAmt Ccy="EUR">42.17</InstdAmt>`,
		"<CreDtTm>2024-05-02T09:30:00Z</CreDtTm>",
		"<ReqdExctnDt>2024-05-03</ReqdExctnDt>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("pain.001 missing %s in:\n%s", want, body)
		}
	}
}

func TestPain001EmptyEndToEndBecomesNotProvided(t *testing.T) {
	in := sampleInitiation()
	in.EndToEndID = ""
	raw, err := BuildPain001(in)
	require.NoError(t, err)
	out, err := ParsePain001(raw)
	require.NoError(t, err)
	require.Equal(t, "NOTPROVIDED", out.EndToEndID)
}

func TestPain001RejectsBadInput(t *testing.T) {
	bad := sampleInitiation()
	bad.DebtorIBAN = "not-an-iban"
	if _, err := BuildPain001(bad); err == nil {
		t.Fatal("expected rejection of invalid debtor IBAN")
	}
	bad = sampleInitiation()
	bad.Amount = decimal.Zero
	if _, err := BuildPain001(bad); err == nil {
		t.Fatal("expected rejection of zero amount")
	}
}

func TestValidIBAN(t *testing.T) {
	for _, ok := range []string{"DE89370400440532013000", "DE75512108001245126199", "CH9300762011623852957"} {
		if !ValidIBAN(ok) {
			t.Fatalf("expected %s to validate", ok)
		}
	}
	for _, bad := range []string{"", "DE8937040044053201300", "DE89370400440532013001", "not-an-iban"} {
		if ValidIBAN(bad) {
			t.Fatalf("expected %s to fail", bad)
		}
	}
}

func TestValidBIC(t *testing.T) {
	for _, ok := range []string{"COBADEFF", "COBADEFFXXX", "SOGEDEFF"} {
		if !ValidBIC(ok) {
			t.Fatalf("expected %s to validate", ok)
		}
	}
	for _, bad := range []string{"not-a-BIC", "coba", "COBADEFFXX"} {
		if ValidBIC(bad) {
			t.Fatalf("expected %s to fail", bad)
		}
	}
}
