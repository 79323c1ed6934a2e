package payments

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"ebicsgw/fault"
	"ebicsgw/iso20022"
	"ebicsgw/models"
	"ebicsgw/observability/logging"
	"ebicsgw/observability/metrics"
)

// Submitter sweeps prepared payments and uploads them as pain.001 credit
// transfers. A payment leaves the sweep either by being submitted or by being
// marked invalid; transient bank failures leave it untouched for the next
// round.
type Submitter struct {
	db      *gorm.DB
	logger  *slog.Logger
	now     func() time.Time
	metrics *metrics.GatewayMetrics
}

// NewSubmitter builds a submitter; nil logger and now get defaults.
func NewSubmitter(db *gorm.DB, logger *slog.Logger, now func() time.Time) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Submitter{db: db, logger: logger, now: now, metrics: metrics.Gateway()}
}

// SubmitPending uploads every payment of the connection that is neither
// submitted nor invalid, oldest first. It returns the number submitted; a
// transient failure stops the sweep early so ordering is preserved.
func (s *Submitter) SubmitPending(ctx context.Context, conn *models.BankConnection, client BankClient) (int, error) {
	var pending []models.Payment
	err := s.db.
		Where("connection_id = ? AND submitted = ? AND invalid = ?", conn.ID, false, false).
		Order("prepared_at").
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	submitted := 0
	for i := range pending {
		p := &pending[i]
		if err := s.submitOne(ctx, conn, client, p); err != nil {
			if fault.IsRetryable(err) {
				s.logger.Warn("submission deferred", "connection", conn.Name, "message_id", p.MessageID, "err", err)
				return submitted, err
			}
			// Fatal rejection: park the payment, keep sweeping.
			p.Invalid = true
			p.InvalidReason = err.Error()
			if dbErr := s.db.Save(p).Error; dbErr != nil {
				return submitted, dbErr
			}
			s.metrics.PaymentInvalid(conn.Name)
			s.logger.Error("payment rejected",
				"connection", conn.Name,
				"message_id", p.MessageID,
				logging.MaskField("creditor_iban", p.CreditorIBAN),
				"err", err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

func (s *Submitter) submitOne(ctx context.Context, conn *models.BankConnection, client BankClient, p *models.Payment) error {
	var account models.BankAccount
	if err := s.db.First(&account, "id = ?", p.AccountID).Error; err != nil {
		return fault.Wrap(fault.NotFound, err, "account %s of payment %s", p.AccountID, p.ID)
	}

	pain, err := iso20022.BuildPain001(iso20022.PaymentInitiation{
		MessageID:            p.MessageID,
		PaymentInformationID: p.PaymentInformationID,
		EndToEndID:           p.EndToEndID,
		CreationTime:         s.now(),
		ExecutionDate:        s.now(),
		DebtorName:           account.HolderName,
		DebtorIBAN:           account.IBAN,
		DebtorBIC:            account.BIC,
		CreditorName:         p.CreditorName,
		CreditorIBAN:         p.CreditorIBAN,
		CreditorBIC:          p.CreditorBIC,
		Amount:               p.Amount,
		Currency:             p.Currency,
		Subject:              p.Subject,
	})
	if err != nil {
		return err
	}

	orderID, err := client.Upload(ctx, "CCT", pain)
	if err != nil {
		return err
	}

	submittedAt := s.now()
	p.Submitted = true
	p.SubmittedAt = &submittedAt
	if err := s.db.Save(p).Error; err != nil {
		return err
	}
	s.metrics.PaymentSubmitted(conn.Name)
	s.logger.Info("payment submitted", "connection", conn.Name, "message_id", p.MessageID, "order_id", orderID)
	return nil
}
