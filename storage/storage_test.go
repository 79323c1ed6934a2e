package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ebicsgw/models"
)

func TestOpenMemoryMigrates(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	conn := models.BankConnection{
		ID:       uuid.New(),
		Name:     "test-conn",
		Protocol: models.ProtocolEbics,
		INIState: models.KeyStateNotSent,
		HIAState: models.KeyStateNotSent,
	}
	if err := db.Create(&conn).Error; err != nil {
		t.Fatalf("create connection: %v", err)
	}
	payment := models.Payment{
		ID:           uuid.New(),
		ConnectionID: conn.ID,
		CreditorIBAN: "DE75512108001245126199",
		Amount:       decimal.RequireFromString("10.00"),
		Currency:     "EUR",
		MessageID:    uuid.NewString(),
		PreparedAt:   time.Now(),
	}
	if err := db.Create(&payment).Error; err != nil {
		t.Fatalf("create payment: %v", err)
	}
	var loaded models.Payment
	if err := db.First(&loaded, "id = ?", payment.ID).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if !loaded.Amount.Equal(payment.Amount) {
		t.Fatalf("amount changed across storage: %s != %s", loaded.Amount, payment.Amount)
	}
}

func TestRawMessageDedupKey(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	connID := uuid.New()
	first := models.RawMessage{ID: uuid.New(), ConnectionID: connID, MessageID: "MSG-1", Body: []byte("<Document/>")}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := models.RawMessage{ID: uuid.New(), ConnectionID: connID, MessageID: "MSG-1", Body: []byte("<Document/>")}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatal("expected unique index violation for duplicated message id")
	}
	other := models.RawMessage{ID: uuid.New(), ConnectionID: uuid.New(), MessageID: "MSG-1", Body: []byte("<Document/>")}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("same message id on another connection must pass: %v", err)
	}
}

func TestArchiveIsAppendOnly(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()

	if err := archive.Put("conn-a", "MSG-1", []byte("original")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := archive.Put("conn-a", "MSG-1", []byte("overwrite attempt")); err != nil {
		t.Fatalf("second put: %v", err)
	}
	body, err := archive.Get("conn-a", "MSG-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "original" {
		t.Fatalf("archive copy changed: %q", body)
	}
	ids, err := archive.MessageIDs("conn-a")
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "MSG-1" {
		t.Fatalf("unexpected ids %v", ids)
	}
}
