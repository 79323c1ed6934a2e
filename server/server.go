// Package server exposes the gateway's HTTP API: connection management, the
// key-exchange handshake, account discovery, payment initiation, and the
// normalized transaction ledger.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"ebicsgw/crypto"
	"ebicsgw/fault"
	"ebicsgw/models"
	"ebicsgw/payments"
)

// Config wires the server to its collaborators.
type Config struct {
	DB        *gorm.DB
	Factory   payments.ClientFactory
	Connector *payments.Connector
	Scheduler *payments.Scheduler
	Auth      *Authenticator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server is the HTTP boundary of the gateway.
type Server struct {
	db        *gorm.DB
	factory   payments.ClientFactory
	connector *payments.Connector
	scheduler *payments.Scheduler
	auth      *Authenticator
	logger    *slog.Logger
	now       func() time.Time
	router    chi.Router
}

// New assembles the server and its route table.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("server: database is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("server: client factory is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Connector == nil {
		cfg.Connector = payments.NewConnector(cfg.DB, cfg.Logger, cfg.Now)
	}
	s := &Server{
		db:        cfg.DB,
		factory:   cfg.Factory,
		connector: cfg.Connector,
		scheduler: cfg.Scheduler,
		auth:      cfg.Auth,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)

		api.Route("/connections", func(cr chi.Router) {
			cr.Post("/", s.handleCreateConnection)
			cr.Get("/", s.handleListConnections)
			cr.Post("/restore", s.handleRestoreConnection)
			cr.Route("/{connectionID}", func(one chi.Router) {
				one.Get("/", s.handleGetConnection)
				one.Post("/connect", s.handleConnect)
				one.Get("/versions", s.handleVersions)
				one.Post("/sync", s.handleSync)
				one.Get("/accounts", s.handleListAccounts)
				one.Post("/accounts", s.handleCreateAccount)
				one.Post("/accounts/import", s.handleImportAccounts)
				one.Post("/backup", s.handleExportBackup)
			})
		})

		api.Post("/payments", s.handleCreatePayment)
		api.Get("/payments", s.handleListPayments)
		api.Get("/payments/{paymentID}", s.handleGetPayment)
		api.Get("/transactions", s.handleListTransactions)
	})
	return r
}

// connectionView is the API shape of a connection; key material never leaves
// the database through it.
type connectionView struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Protocol  string    `json:"protocol"`
	EbicsURL  string    `json:"ebicsUrl"`
	HostID    string    `json:"hostId"`
	PartnerID string    `json:"partnerId"`
	UserID    string    `json:"userId"`
	SystemID  string    `json:"systemId,omitempty"`
	INIState  string    `json:"iniState"`
	HIAState  string    `json:"hiaState"`
	Ready     bool      `json:"ready"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewConnection(c *models.BankConnection) connectionView {
	return connectionView{
		ID:        c.ID,
		Name:      c.Name,
		Protocol:  c.Protocol,
		EbicsURL:  c.EbicsURL,
		HostID:    c.HostID,
		PartnerID: c.PartnerID,
		UserID:    c.UserID,
		SystemID:  c.SystemID,
		INIState:  string(c.INIState),
		HIAState:  string(c.HIAState),
		Ready:     c.Ready(),
		CreatedAt: c.CreatedAt,
	}
}

type createConnectionRequest struct {
	Name      string `json:"name"`
	EbicsURL  string `json:"ebicsUrl"`
	HostID    string `json:"hostId"`
	PartnerID string `json:"partnerId"`
	UserID    string `json:"userId"`
	SystemID  string `json:"systemId"`
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.EbicsURL == "" || req.HostID == "" || req.PartnerID == "" || req.UserID == "" {
		writeError(w, fault.New(fault.BadRequest, "name, ebicsUrl, hostId, partnerId, and userId are required"))
		return
	}

	triple, err := crypto.GenerateTriple()
	if err != nil {
		writeError(w, err)
		return
	}
	sigDER, err := crypto.MarshalPrivateKey(triple.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	authDER, err := crypto.MarshalPrivateKey(triple.Authentication)
	if err != nil {
		writeError(w, err)
		return
	}
	encDER, err := crypto.MarshalPrivateKey(triple.Encryption)
	if err != nil {
		writeError(w, err)
		return
	}

	conn := models.BankConnection{
		ID:                uuid.New(),
		Name:              req.Name,
		Protocol:          models.ProtocolEbics,
		EbicsURL:          req.EbicsURL,
		HostID:            req.HostID,
		PartnerID:         req.PartnerID,
		UserID:            req.UserID,
		SystemID:          req.SystemID,
		SignatureKey:      sigDER,
		AuthenticationKey: authDER,
		EncryptionKey:     encDER,
		INIState:          models.KeyStateNotSent,
		HIAState:          models.KeyStateNotSent,
	}
	if err := s.db.Create(&conn).Error; err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "connection %q not created", req.Name))
		return
	}
	s.logger.Info("connection created", "connection", conn.Name, "host_id", conn.HostID)
	writeJSON(w, http.StatusCreated, viewConnection(&conn))
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	var conns []models.BankConnection
	if err := s.db.Order("name").Find(&conns).Error; err != nil {
		writeError(w, err)
		return
	}
	views := make([]connectionView, 0, len(conns))
	for i := range conns {
		views = append(views, viewConnection(&conns[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewConnection(conn))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
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
	if err := s.connector.Connect(r.Context(), conn, client); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewConnection(conn))
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
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
	versions, err := client.HEV(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type versionView struct {
		Protocol string `json:"protocol"`
		Version  string `json:"version"`
	}
	views := make([]versionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, versionView{Protocol: v.Protocol, Version: v.Version})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleSync runs one submit and fetch round immediately for the connection.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := s.connection(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.scheduler == nil {
		writeError(w, fault.New(fault.State, "scheduler not configured"))
		return
	}
	if err := s.scheduler.SyncConnection(r.Context(), conn); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// connection loads the connection named in the URL.
func (s *Server) connection(r *http.Request) (*models.BankConnection, error) {
	id, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		return nil, fault.New(fault.BadRequest, "invalid connection id")
	}
	var conn models.BankConnection
	if err := s.db.First(&conn, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.New(fault.NotFound, "connection %s not found", id)
		}
		return nil, err
	}
	return &conn, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.BadRequest, err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var f *fault.Fault
	if errors.As(err, &f) {
		status = f.StatusCode()
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
