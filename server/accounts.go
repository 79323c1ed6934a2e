package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"ebicsgw/ebics"
	"ebicsgw/fault"
	"ebicsgw/models"
)

type accountView struct {
	ID                   uuid.UUID `json:"id"`
	ConnectionID         uuid.UUID `json:"connectionId"`
	IBAN                 string    `json:"iban"`
	BIC                  string    `json:"bic"`
	HolderName           string    `json:"holderName"`
	HighestSeenMessageID int64     `json:"highestSeenMessageId"`
	CreatedAt            time.Time `json:"createdAt"`
}

func viewAccount(a *models.BankAccount) accountView {
	return accountView{
		ID:                   a.ID,
		ConnectionID:         a.ConnectionID,
		IBAN:                 a.IBAN,
		BIC:                  a.BIC,
		HolderName:           a.HolderName,
		HighestSeenMessageID: a.HighestSeenMessageID,
		CreatedAt:            a.CreatedAt,
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var accounts []models.BankAccount
	if err := s.db.Where("connection_id = ?", conn.ID).Order("iban").Find(&accounts).Error; err != nil {
		writeError(w, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, viewAccount(&accounts[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

type createAccountRequest struct {
	IBAN       string `json:"iban"`
	BIC        string `json:"bic"`
	HolderName string `json:"holderName"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.IBAN = strings.ToUpper(strings.TrimSpace(req.IBAN))
	if req.IBAN == "" {
		writeError(w, fault.New(fault.BadRequest, "iban is required"))
		return
	}
	account := models.BankAccount{
		ID:           uuid.New(),
		ConnectionID: conn.ID,
		IBAN:         req.IBAN,
		BIC:          strings.TrimSpace(req.BIC),
		HolderName:   strings.TrimSpace(req.HolderName),
	}
	if err := s.db.Create(&account).Error; err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "account %s not created", req.IBAN))
		return
	}
	writeJSON(w, http.StatusCreated, viewAccount(&account))
}

// handleImportAccounts downloads HTD and upserts every account the bank lists
// for the subscriber. Existing rows keep their high-water mark.
func (s *Server) handleImportAccounts(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	client, err := s.factory(conn)
	if err != nil {
		writeError(w, err)
		return
	}
	payload, err := client.Download(r.Context(), "HTD", nil)
	if err != nil {
		writeError(w, err)
		return
	}
	if payload == nil {
		writeJSON(w, http.StatusOK, []accountView{})
		return
	}
	infos, err := ebics.ParseHTD(payload)
	if err != nil {
		writeError(w, err)
		return
	}

	imported := make([]accountView, 0, len(infos))
	for _, info := range infos {
		account := models.BankAccount{
			ID:           uuid.New(),
			ConnectionID: conn.ID,
			IBAN:         info.IBAN,
			BIC:          info.BIC,
			HolderName:   info.OwnerName,
		}
		res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&account)
		if res.Error != nil {
			writeError(w, res.Error)
			return
		}
		if res.RowsAffected == 0 {
			if err := s.db.First(&account, "connection_id = ? AND iban = ?", conn.ID, info.IBAN).Error; err != nil {
				writeError(w, err)
				return
			}
		}
		imported = append(imported, viewAccount(&account))
	}
	s.logger.Info("accounts imported", "connection", conn.Name, "count", len(imported))
	writeJSON(w, http.StatusOK, imported)
}
