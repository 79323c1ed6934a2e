package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"ebicsgw/fault"
	"ebicsgw/models"
)

type paymentView struct {
	ID            uuid.UUID  `json:"id"`
	ConnectionID  uuid.UUID  `json:"connectionId"`
	AccountID     uuid.UUID  `json:"accountId"`
	CreditorIBAN  string     `json:"creditorIban"`
	CreditorBIC   string     `json:"creditorBic"`
	CreditorName  string     `json:"creditorName"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Subject       string     `json:"subject"`
	EndToEndID    string     `json:"endToEndId"`
	MessageID     string     `json:"messageId"`
	Submitted     bool       `json:"submitted"`
	Invalid       bool       `json:"invalid"`
	InvalidReason string     `json:"invalidReason,omitempty"`
	PreparedAt    time.Time  `json:"preparedAt"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
}

func viewPayment(p *models.Payment) paymentView {
	return paymentView{
		ID:            p.ID,
		ConnectionID:  p.ConnectionID,
		AccountID:     p.AccountID,
		CreditorIBAN:  p.CreditorIBAN,
		CreditorBIC:   p.CreditorBIC,
		CreditorName:  p.CreditorName,
		Amount:        p.Amount.StringFixed(2),
		Currency:      p.Currency,
		Subject:       p.Subject,
		EndToEndID:    p.EndToEndID,
		MessageID:     p.MessageID,
		Submitted:     p.Submitted,
		Invalid:       p.Invalid,
		InvalidReason: p.InvalidReason,
		PreparedAt:    p.PreparedAt,
		SubmittedAt:   p.SubmittedAt,
	}
}

type createPaymentRequest struct {
	AccountID    uuid.UUID `json:"accountId"`
	CreditorIBAN string    `json:"creditorIban"`
	CreditorBIC  string    `json:"creditorBic"`
	CreditorName string    `json:"creditorName"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	Subject      string    `json:"subject"`
	EndToEndID   string    `json:"endToEndId"`
}

// handleCreatePayment prepares a payment for the next submission sweep. The
// gateway assigns the pain.001 identifiers; callers may pin the end-to-end id
// for their own reconciliation.
func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var account models.BankAccount
	if err := s.db.First(&account, "id = ?", req.AccountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, fault.New(fault.NotFound, "account %s not found", req.AccountID))
			return
		}
		writeError(w, err)
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		writeError(w, fault.New(fault.BadRequest, "amount must be a positive decimal"))
		return
	}
	req.CreditorIBAN = strings.ToUpper(strings.TrimSpace(req.CreditorIBAN))
	if req.CreditorIBAN == "" || strings.TrimSpace(req.CreditorName) == "" {
		writeError(w, fault.New(fault.BadRequest, "creditorIban and creditorName are required"))
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		writeError(w, fault.New(fault.BadRequest, "currency must be a 3-letter code"))
		return
	}

	// Max35Text identifiers; the hyphen-free uuid fits with room to spare.
	msgID := strings.ReplaceAll(uuid.NewString(), "-", "")
	endToEndID := strings.TrimSpace(req.EndToEndID)
	if endToEndID == "" {
		endToEndID = msgID
	}
	if len(endToEndID) > 35 {
		writeError(w, fault.New(fault.BadRequest, "endToEndId exceeds 35 characters"))
		return
	}

	payment := models.Payment{
		ID:                   uuid.New(),
		ConnectionID:         account.ConnectionID,
		AccountID:            account.ID,
		CreditorIBAN:         req.CreditorIBAN,
		CreditorBIC:          strings.TrimSpace(req.CreditorBIC),
		CreditorName:         strings.TrimSpace(req.CreditorName),
		Amount:               amount,
		Currency:             currency,
		Subject:              strings.TrimSpace(req.Subject),
		PreparedAt:           s.now().UTC(),
		EndToEndID:           endToEndID,
		PaymentInformationID: msgID,
		MessageID:            msgID,
	}
	if err := s.db.Create(&payment).Error; err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("payment prepared", "message_id", payment.MessageID, "amount", payment.Amount, "currency", payment.Currency)
	writeJSON(w, http.StatusCreated, viewPayment(&payment))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q := s.db.Order("prepared_at desc")
	if connID := r.URL.Query().Get("connectionId"); connID != "" {
		id, err := uuid.Parse(connID)
		if err != nil {
			writeError(w, fault.New(fault.BadRequest, "invalid connectionId filter"))
			return
		}
		q = q.Where("connection_id = ?", id)
	}
	var rows []models.Payment
	if err := q.Find(&rows).Error; err != nil {
		writeError(w, err)
		return
	}
	views := make([]paymentView, 0, len(rows))
	for i := range rows {
		views = append(views, viewPayment(&rows[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		writeError(w, fault.New(fault.BadRequest, "invalid payment id"))
		return
	}
	var payment models.Payment
	if err := s.db.First(&payment, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, fault.New(fault.NotFound, "payment %s not found", id))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPayment(&payment))
}

type transactionView struct {
	ID              uuid.UUID  `json:"id"`
	AccountIBAN     string     `json:"accountIban"`
	EntryRef        string     `json:"entryRef"`
	CounterpartIBAN string     `json:"counterpartIban,omitempty"`
	CounterpartBIC  string     `json:"counterpartBic,omitempty"`
	CounterpartName string     `json:"counterpartName,omitempty"`
	Amount          string     `json:"amount"`
	Currency        string     `json:"currency"`
	BookingDate     int64      `json:"bookingDate"`
	ValueDate       int64      `json:"valueDate"`
	Subject         string     `json:"subject,omitempty"`
	Direction       string     `json:"direction"`
	Status          string     `json:"status"`
	IsBatch         bool       `json:"isBatch"`
	BankTxCode      string     `json:"bankTxCode,omitempty"`
	EndToEndID      string     `json:"endToEndId,omitempty"`
	PaymentID       *uuid.UUID `json:"paymentId,omitempty"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := s.db.Order("booking_date desc, entry_ref desc")
	if iban := strings.TrimSpace(r.URL.Query().Get("iban")); iban != "" {
		q = q.Where("account_iban = ?", strings.ToUpper(iban))
	}
	var rows []models.Transaction
	if err := q.Find(&rows).Error; err != nil {
		writeError(w, err)
		return
	}
	views := make([]transactionView, 0, len(rows))
	for i := range rows {
		tx := &rows[i]
		views = append(views, transactionView{
			ID:              tx.ID,
			AccountIBAN:     tx.AccountIBAN,
			EntryRef:        tx.EntryRef,
			CounterpartIBAN: tx.CounterpartIBAN,
			CounterpartBIC:  tx.CounterpartBIC,
			CounterpartName: tx.CounterpartName,
			Amount:          tx.Amount.StringFixed(2),
			Currency:        tx.Currency,
			BookingDate:     tx.BookingDate,
			ValueDate:       tx.ValueDate,
			Subject:         tx.Subject,
			Direction:       tx.Direction,
			Status:          tx.Status,
			IsBatch:         tx.IsBatch,
			BankTxCode:      tx.BankTxCode,
			EndToEndID:      tx.EndToEndID,
			PaymentID:       tx.PaymentID,
		})
	}
	writeJSON(w, http.StatusOK, views)
}
