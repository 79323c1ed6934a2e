package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ebicsgw/crypto"
	"ebicsgw/fault"
	"ebicsgw/models"
)

// connectionBackup is the portable export of a subscriber configuration. The
// three key blobs are passphrase-wrapped; bank keys are deliberately absent
// and must be re-fetched with HPB after a restore.
type connectionBackup struct {
	Type      string `json:"type"`
	UserID    string `json:"userID"`
	PartnerID string `json:"partnerID"`
	HostID    string `json:"hostID"`
	EbicsURL  string `json:"ebicsURL"`
	SigBlob   []byte `json:"sigBlob"`
	AuthBlob  []byte `json:"authBlob"`
	EncBlob   []byte `json:"encBlob"`
}

type exportBackupRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleExportBackup(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req exportBackupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Passphrase == "" {
		writeError(w, fault.New(fault.BadRequest, "passphrase is required"))
		return
	}

	wrap := func(der []byte) ([]byte, error) {
		key, err := crypto.ParsePrivateKey(der)
		if err != nil {
			return nil, err
		}
		return crypto.WrapPrivateKey(key, req.Passphrase)
	}
	sigBlob, err := wrap(conn.SignatureKey)
	if err != nil {
		writeError(w, err)
		return
	}
	authBlob, err := wrap(conn.AuthenticationKey)
	if err != nil {
		writeError(w, err)
		return
	}
	encBlob, err := wrap(conn.EncryptionKey)
	if err != nil {
		writeError(w, err)
		return
	}

	s.logger.Info("backup exported", "connection", conn.Name)
	writeJSON(w, http.StatusOK, connectionBackup{
		Type:      models.ProtocolEbics,
		UserID:    conn.UserID,
		PartnerID: conn.PartnerID,
		HostID:    conn.HostID,
		EbicsURL:  conn.EbicsURL,
		SigBlob:   sigBlob,
		AuthBlob:  authBlob,
		EncBlob:   encBlob,
	})
}

type restoreRequest struct {
	Name       string           `json:"name"`
	Passphrase string           `json:"passphrase"`
	Backup     connectionBackup `json:"backup"`
}

// handleRestoreConnection recreates a connection from an exported backup. The
// handshake states are marked sent because the wrapped keys were already
// registered with the bank; only HPB has to run again.
func (s *Server) handleRestoreConnection(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Passphrase == "" {
		writeError(w, fault.New(fault.BadRequest, "name and passphrase are required"))
		return
	}
	if req.Backup.Type != models.ProtocolEbics {
		writeError(w, fault.New(fault.BadRequest, "backup type %q is not ebics", req.Backup.Type))
		return
	}

	unwrap := func(blob []byte) ([]byte, error) {
		key, err := crypto.UnwrapPrivateKey(blob, req.Passphrase)
		if err != nil {
			return nil, err
		}
		return crypto.MarshalPrivateKey(key)
	}
	sigDER, err := unwrap(req.Backup.SigBlob)
	if err != nil {
		writeError(w, err)
		return
	}
	authDER, err := unwrap(req.Backup.AuthBlob)
	if err != nil {
		writeError(w, err)
		return
	}
	encDER, err := unwrap(req.Backup.EncBlob)
	if err != nil {
		writeError(w, err)
		return
	}

	conn := models.BankConnection{
		ID:                uuid.New(),
		Name:              req.Name,
		Protocol:          models.ProtocolEbics,
		EbicsURL:          req.Backup.EbicsURL,
		HostID:            req.Backup.HostID,
		PartnerID:         req.Backup.PartnerID,
		UserID:            req.Backup.UserID,
		SignatureKey:      sigDER,
		AuthenticationKey: authDER,
		EncryptionKey:     encDER,
		INIState:          models.KeyStateSent,
		HIAState:          models.KeyStateSent,
	}
	if err := s.db.Create(&conn).Error; err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "connection %q not created", req.Name))
		return
	}
	s.logger.Info("connection restored", "connection", conn.Name, "host_id", conn.HostID)
	writeJSON(w, http.StatusCreated, viewConnection(&conn))
}
