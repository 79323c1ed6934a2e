package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/ebics"
	"ebicsgw/models"
	"ebicsgw/payments"
	"ebicsgw/sandbox"
	"ebicsgw/storage"
)

const (
	testIBAN     = "DE89370400440532013000"
	testBIC      = "COBADEFFXXX"
	creditorIBAN = "GB29NWBK60161331926819"
	creditorBIC  = "NWBKGB2L"
	testSecret   = "test-secret-test-secret-test-1234"
)

var (
	hostKeysOnce sync.Once
	hostKeys     *gwcrypto.KeyTriple
)

func sandboxKeys() *gwcrypto.KeyTriple {
	hostKeysOnce.Do(func() {
		var err error
		if hostKeys, err = gwcrypto.GenerateTriple(); err != nil {
			panic(err)
		}
	})
	return hostKeys
}

type testEnv struct {
	t       *testing.T
	db      *gorm.DB
	bank    *sandbox.DemoBank
	bankURL string
	handler http.Handler
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	archive, err := storage.OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	bank := sandbox.NewDemoBank(nil)
	bank.AddAccount(sandbox.Account{
		IBAN:     testIBAN,
		BIC:      testBIC,
		Owner:    "Gateway GmbH",
		Currency: "EUR",
	}, decimal.RequireFromString("1000.00"))
	host := sandbox.NewHost("SANDBOX", sandboxKeys(), bank, logger)
	host.AddSubscriber("PARTNER1", "USER1", []string{testIBAN})
	bankServer := httptest.NewServer(host)
	t.Cleanup(bankServer.Close)

	factory := func(conn *models.BankConnection) (payments.BankClient, error) {
		return payments.ClientForConnection(conn, ebics.Options{Logger: logger})
	}
	submitter := payments.NewSubmitter(db, logger, nil)
	ingestor := payments.NewIngestor(db, archive, logger, nil)
	scheduler := payments.NewScheduler(db, factory, submitter, ingestor, payments.SchedulerConfig{Logger: logger})

	auth, err := NewAuthenticator(AuthOptions{Secret: []byte(testSecret), Issuer: "testbench"})
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv, err := New(Config{
		DB:        db,
		Factory:   factory,
		Scheduler: scheduler,
		Auth:      auth,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	claims := jwt.MapClaims{
		"sub": "ops",
		"iss": "testbench",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	return &testEnv{t: t, db: db, bank: bank, bankURL: bankServer.URL, handler: srv.Handler(), token: token}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

// createConnection provisions and fully connects a sandbox-backed connection.
func (e *testEnv) createConnection(name string) connectionView {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/connections", createConnectionRequest{
		Name:      name,
		EbicsURL:  e.bankURL,
		HostID:    "SANDBOX",
		PartnerID: "PARTNER1",
		UserID:    "USER1",
	})
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("create connection: %d %s", rec.Code, rec.Body.String())
	}
	return decodeBody[connectionView](e.t, rec)
}

func (e *testEnv) connect(id string) connectionView {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/connections/"+id+"/connect", nil)
	if rec.Code != http.StatusOK {
		e.t.Fatalf("connect: %d %s", rec.Code, rec.Body.String())
	}
	return decodeBody[connectionView](e.t, rec)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", rec.Code)
	}

	// Health and metrics stay open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	e := newTestEnv(t)

	created := e.createConnection("sandbox")
	if created.Ready {
		t.Fatalf("fresh connection already ready")
	}
	if created.INIState != string(models.KeyStateNotSent) {
		t.Fatalf("INI state %q", created.INIState)
	}

	connected := e.connect(created.ID.String())
	if !connected.Ready {
		t.Fatalf("connection not ready after connect: %+v", connected)
	}

	rec := e.do(http.MethodGet, "/api/v1/connections/"+created.ID.String()+"/versions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("versions: %d %s", rec.Code, rec.Body.String())
	}
	versions := decodeBody[[]map[string]string](t, rec)
	if len(versions) == 0 || versions[0]["protocol"] != "H004" {
		t.Fatalf("unexpected versions %v", versions)
	}

	rec = e.do(http.MethodPost, "/api/v1/connections/"+created.ID.String()+"/accounts/import", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("import accounts: %d %s", rec.Code, rec.Body.String())
	}
	accounts := decodeBody[[]accountView](t, rec)
	if len(accounts) != 1 || accounts[0].IBAN != testIBAN {
		t.Fatalf("imported %+v", accounts)
	}

	// Importing twice keeps one row per IBAN.
	rec = e.do(http.MethodPost, "/api/v1/connections/"+created.ID.String()+"/accounts/import", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("re-import: %d", rec.Code)
	}
	rec = e.do(http.MethodGet, "/api/v1/connections/"+created.ID.String()+"/accounts", nil)
	accounts = decodeBody[[]accountView](t, rec)
	if len(accounts) != 1 {
		t.Fatalf("want 1 account after re-import, got %d", len(accounts))
	}
}

func TestPaymentFlow(t *testing.T) {
	e := newTestEnv(t)
	conn := e.createConnection("sandbox")
	e.connect(conn.ID.String())

	rec := e.do(http.MethodPost, "/api/v1/connections/"+conn.ID.String()+"/accounts/import", nil)
	accounts := decodeBody[[]accountView](t, rec)
	if len(accounts) != 1 {
		t.Fatalf("accounts %+v", accounts)
	}

	rec = e.do(http.MethodPost, "/api/v1/payments", createPaymentRequest{
		AccountID:    accounts[0].ID,
		CreditorIBAN: creditorIBAN,
		CreditorBIC:  creditorBIC,
		CreditorName: "Customer Ltd",
		Amount:       "42.17",
		Currency:     "EUR",
		Subject:      "invoice 7",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create payment: %d %s", rec.Code, rec.Body.String())
	}
	payment := decodeBody[paymentView](t, rec)
	if payment.Submitted || payment.MessageID == "" {
		t.Fatalf("fresh payment %+v", payment)
	}

	rec = e.do(http.MethodPost, "/api/v1/connections/"+conn.ID.String()+"/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rec.Code, rec.Body.String())
	}

	rec = e.do(http.MethodGet, "/api/v1/payments/"+payment.ID.String(), nil)
	reloaded := decodeBody[paymentView](t, rec)
	if !reloaded.Submitted || reloaded.SubmittedAt == nil {
		t.Fatalf("payment not submitted after sync: %+v", reloaded)
	}

	rec = e.do(http.MethodGet, "/api/v1/transactions?iban="+testIBAN, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: %d %s", rec.Code, rec.Body.String())
	}
	txs := decodeBody[[]transactionView](t, rec)
	if len(txs) != 1 {
		t.Fatalf("want 1 transaction, got %d", len(txs))
	}
	if txs[0].Direction != "DBIT" || txs[0].Amount != "42.17" {
		t.Fatalf("transaction %+v", txs[0])
	}
	if txs[0].PaymentID == nil || *txs[0].PaymentID != payment.ID {
		t.Fatalf("transaction not reconciled: %+v", txs[0].PaymentID)
	}

	balance, _ := e.bank.Balance(testIBAN)
	if !balance.Equal(decimal.RequireFromString("957.83")) {
		t.Fatalf("sandbox balance %s", balance)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	e := newTestEnv(t)
	conn := e.createConnection("sandbox")
	e.connect(conn.ID.String())
	rec := e.do(http.MethodPost, "/api/v1/connections/"+conn.ID.String()+"/accounts/import", nil)
	accounts := decodeBody[[]accountView](t, rec)

	rec = e.do(http.MethodPost, "/api/v1/payments", createPaymentRequest{
		AccountID:    accounts[0].ID,
		CreditorIBAN: creditorIBAN,
		CreditorName: "Customer Ltd",
		Amount:       "-5.00",
		Currency:     "EUR",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount accepted: %d", rec.Code)
	}

	rec = e.do(http.MethodPost, "/api/v1/payments", createPaymentRequest{
		AccountID:    accounts[0].ID,
		CreditorIBAN: creditorIBAN,
		CreditorName: "Customer Ltd",
		Amount:       "5.00",
		Currency:     "EURO",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad currency accepted: %d", rec.Code)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	conn := e.createConnection("primary")
	e.connect(conn.ID.String())

	rec := e.do(http.MethodPost, "/api/v1/connections/"+conn.ID.String()+"/backup", exportBackupRequest{Passphrase: "hunter2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d %s", rec.Code, rec.Body.String())
	}
	backup := decodeBody[connectionBackup](t, rec)
	if backup.Type != models.ProtocolEbics || backup.HostID != "SANDBOX" {
		t.Fatalf("backup header %+v", backup)
	}

	// Wrong passphrase must not produce a connection.
	rec = e.do(http.MethodPost, "/api/v1/connections/restore", restoreRequest{
		Name:       "restored-bad",
		Passphrase: "wrong",
		Backup:     backup,
	})
	if rec.Code == http.StatusCreated {
		t.Fatalf("restore with wrong passphrase succeeded")
	}

	rec = e.do(http.MethodPost, "/api/v1/connections/restore", restoreRequest{
		Name:       "restored",
		Passphrase: "hunter2",
		Backup:     backup,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("restore: %d %s", rec.Code, rec.Body.String())
	}
	restored := decodeBody[connectionView](t, rec)
	if restored.INIState != string(models.KeyStateSent) || restored.Ready {
		t.Fatalf("restored state %+v", restored)
	}

	// The restored connection skips INI/HIA and only refetches bank keys.
	reconnected := e.connect(restored.ID.String())
	if !reconnected.Ready {
		t.Fatalf("restored connection not ready after connect")
	}
}
