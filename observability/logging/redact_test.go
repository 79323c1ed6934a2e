package logging

import "testing"

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("creditor_iban", "DE89370400440532013000")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("iban leaked: %s", attr.Value.String())
	}
	attr = MaskField("connection", "mybank")
	if attr.Value.String() != "mybank" {
		t.Fatalf("allowlisted key masked: %s", attr.Value.String())
	}
	attr = MaskField("subject", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value should pass through")
	}
}

func TestAllowlistHoldsOnlyIdentifiers(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		switch key {
		case "iban", "creditor_iban", "amount", "subject", "secret", "passphrase":
			t.Fatalf("sensitive key %q allowlisted", key)
		}
	}
	if !IsAllowlisted("Message_ID") {
		t.Fatalf("allowlist lookup should be case-insensitive")
	}
}
