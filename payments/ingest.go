package payments

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ebicsgw/ebics"
	"ebicsgw/fault"
	"ebicsgw/iso20022"
	"ebicsgw/models"
	"ebicsgw/observability/metrics"
	"ebicsgw/storage"
	"ebicsgw/xmlcodec"
)

// Ingestor downloads statements and folds them into the normalized ledger.
// Every step is idempotent: the same bank message ingested twice produces
// exactly one raw message row and one set of transactions.
type Ingestor struct {
	db      *gorm.DB
	archive *storage.Archive
	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics.GatewayMetrics
}

// NewIngestor builds an ingestor. The archive may be nil, which disables the
// audit copy.
func NewIngestor(db *gorm.DB, archive *storage.Archive, logger *slog.Logger, now func() time.Time) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Ingestor{db: db, archive: archive, logger: logger, now: now, metrics: metrics.Gateway()}
}

// FetchStatements downloads C53 data for the window since the last fetch and
// ingests every camt document it carries. A connection that never fetched
// requests the full history.
func (ing *Ingestor) FetchStatements(ctx context.Context, conn *models.BankConnection, client BankClient) error {
	var window *ebics.DateRange
	if !conn.LastFetchEnd.IsZero() {
		window = &ebics.DateRange{Start: conn.LastFetchEnd, End: ing.now()}
	}
	payload, err := client.Download(ctx, "C53", window)
	if err != nil {
		return err
	}
	if payload == nil {
		return ing.touchFetchEnd(conn)
	}
	docs, err := unzipPayload(payload)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		msgID, err := camtMessageID(doc)
		if err != nil {
			ing.logger.Warn("document without message id skipped", "connection", conn.Name, "err", err)
			continue
		}
		if _, err := ing.IngestMessage(conn, msgID, doc); err != nil {
			return err
		}
	}
	return ing.touchFetchEnd(conn)
}

func (ing *Ingestor) touchFetchEnd(conn *models.BankConnection) error {
	conn.LastFetchEnd = ing.now()
	return ing.db.Model(conn).Update("last_fetch_end", conn.LastFetchEnd).Error
}

// IngestMessage stores one camt document and upserts its transactions. The
// outcome is "stored", "duplicate", or "quarantined".
func (ing *Ingestor) IngestMessage(conn *models.BankConnection, messageID string, body []byte) (string, error) {
	// Archive first; append-only, so replays are harmless.
	if err := ing.archive.Put(conn.Name, messageID, body); err != nil {
		return "", err
	}

	outcome := "stored"
	err := ing.db.Transaction(func(tx *gorm.DB) error {
		raw := models.RawMessage{
			ID:           uuid.New(),
			ConnectionID: conn.ID,
			MessageID:    messageID,
			Body:         body,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&raw)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = "duplicate"
			return nil
		}

		statements, parseErr := iso20022.ParseCamt(body)
		if parseErr != nil {
			outcome = "quarantined"
			return tx.Model(&models.RawMessage{}).
				Where("id = ?", raw.ID).
				Updates(map[string]any{
					"quarantined":       true,
					"quarantine_reason": truncate(parseErr.Error(), 255),
				}).Error
		}

		inserted := 0
		for _, stmt := range statements {
			for _, entry := range stmt.Entries {
				if entry.BatchFlagMismatch {
					ing.logger.Warn("batch indicator disagrees with transaction count",
						"connection", conn.Name, "message_id", messageID, "entry_ref", entry.EntryRef)
				}
				n, err := ing.upsertTransaction(tx, conn, raw.ID, entry)
				if err != nil {
					return err
				}
				inserted += n
			}
			if err := ing.advanceHighWater(tx, conn, stmt.AccountIBAN, messageID); err != nil {
				return err
			}
		}
		ing.metrics.TransactionsUpserted(conn.Name, inserted)
		return nil
	})
	if err != nil {
		return "", err
	}

	ing.metrics.MessageIngested(conn.Name, outcome)
	if outcome == "quarantined" {
		ing.metrics.MessageQuarantined(conn.Name)
		ing.logger.Error("message quarantined", "connection", conn.Name, "message_id", messageID)
	} else {
		ing.logger.Info("message ingested", "connection", conn.Name, "message_id", messageID, "outcome", outcome)
	}
	return outcome, nil
}

// upsertTransaction inserts one normalized entry, skipping rows whose
// (account, entry ref) pair already exists. Reconciliation happens only on
// first insert, so the payment link is established exactly once.
func (ing *Ingestor) upsertTransaction(tx *gorm.DB, conn *models.BankConnection, rawID uuid.UUID, entry iso20022.Transaction) (int, error) {
	if entry.EntryRef == "" {
		// No stable dedup key; synthesize one from the raw message so replays
		// of the same document stay idempotent.
		entry.EntryRef = "raw:" + rawID.String()
	}
	row := models.Transaction{
		ID:              uuid.New(),
		AccountIBAN:     entry.AccountIBAN,
		EntryRef:        entry.EntryRef,
		RawMessageID:    rawID,
		CounterpartIBAN: entry.CounterpartIBAN,
		CounterpartBIC:  entry.CounterpartBIC,
		CounterpartName: entry.CounterpartName,
		Amount:          entry.Amount,
		Currency:        entry.Currency,
		BookingDate:     entry.BookingDate,
		ValueDate:       entry.ValueDate,
		Subject:         entry.Subject,
		Direction:       string(entry.Direction),
		Status:          string(entry.Status),
		IsBatch:         entry.IsBatch,
		BankTxCode:      entry.BankTxCode,
		ProprietaryCode: entry.ProprietaryCode,
		EndToEndID:      entry.EndToEndID,
	}
	// Only a booked debit can evidence one of our outgoing payments; a
	// pending or credit entry with a recycled end-to-end id must not claim it.
	if entry.EndToEndID != "" && entry.Status == iso20022.Booked && entry.Direction == iso20022.Debit {
		var payment models.Payment
		err := tx.Where("connection_id = ? AND end_to_end_id = ?", conn.ID, entry.EndToEndID).
			First(&payment).Error
		if err == nil {
			row.PaymentID = &payment.ID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// advanceHighWater bumps the account's highest seen message id; numeric ids
// only, and never backwards.
func (ing *Ingestor) advanceHighWater(tx *gorm.DB, conn *models.BankConnection, iban, messageID string) error {
	msgNum, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return nil
	}
	return tx.Model(&models.BankAccount{}).
		Where("connection_id = ? AND iban = ? AND highest_seen_message_id < ?", conn.ID, iban, msgNum).
		Update("highest_seen_message_id", msgNum).Error
}

// unzipPayload unpacks the ZIP archive a C5x download carries.
func unzipPayload(payload []byte) ([][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "open statement archive")
	}
	var docs [][]byte
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fault.Wrap(fault.Parse, err, "open %s", f.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fault.Wrap(fault.Parse, err, "read %s", f.Name)
		}
		docs = append(docs, data)
	}
	return docs, nil
}

// camtMessageID extracts GrpHdr/MsgId, the bank's deduplication key.
func camtMessageID(doc []byte) (string, error) {
	parsed, err := xmlcodec.Parse(doc)
	if err != nil {
		return "", err
	}
	root, err := xmlcodec.RequireRoot(parsed, "Document")
	if err != nil {
		return "", err
	}
	for _, wrapper := range []string{"BkToCstmrStmt", "BkToCstmrAcctRpt"} {
		el, err := xmlcodec.MaybeDescend(root, wrapper, "GrpHdr", "MsgId")
		if err != nil {
			return "", err
		}
		if el != nil && el.Text() != "" {
			return el.Text(), nil
		}
	}
	return "", fault.New(fault.Parse, "document carries no GrpHdr/MsgId")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
