package sandbox

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/beevik/etree"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/ebics"
	"ebicsgw/iso20022"
	"ebicsgw/xmlcodec"
)

const maxRequestBytes = 64 << 20

// Subscriber is one EBICS user the host knows about, with the key state the
// INI/HIA handshake accumulates.
type Subscriber struct {
	PartnerID    string
	UserID       string
	AccountIBANs []string

	sig  *rsa.PublicKey
	auth *rsa.PublicKey
	enc  *rsa.PublicKey
}

func (s *Subscriber) ready() bool {
	return s.sig != nil && s.auth != nil && s.enc != nil
}

// session is one open download or upload transaction.
type session struct {
	sub       *Subscriber
	orderType string
	upload    bool

	// download: ciphertext split into segments, served by number.
	segments [][]byte

	// upload: collected ciphertext plus the init-phase material.
	total        int
	received     [][]byte
	wrappedKey   []byte
	encSignature []byte
}

// Host is an EBICS 2.5 host implementation backed by a DemoBank. It serves
// INI, HIA, HPB, HEV, C52/C53/HTD downloads and CCT uploads over plain HTTP.
type Host struct {
	hostID string
	keys   *gwcrypto.KeyTriple
	bank   *DemoBank
	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	sessions    map[string]*session
	txSeq       int
	orderSeq    int
}

// NewHost builds a host identified by hostID, authenticating and decrypting
// with keys. A nil logger discards; a nil now defaults to time.Now.
func NewHost(hostID string, keys *gwcrypto.KeyTriple, bank *DemoBank, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		hostID:      hostID,
		keys:        keys,
		bank:        bank,
		now:         time.Now,
		logger:      logger.With("host_id", hostID),
		subscribers: make(map[string]*Subscriber),
		sessions:    make(map[string]*session),
	}
}

// AddSubscriber registers a partner/user pair and the ledger accounts it may
// operate on.
func (h *Host) AddSubscriber(partnerID, userID string, ibans []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[partnerID+"/"+userID] = &Subscriber{
		PartnerID:    partnerID,
		UserID:       userID,
		AccountIBANs: ibans,
	}
}

// BankKeys exposes the host's public keys, for tests that skip HPB.
func (h *Host) BankKeys() (auth, enc *rsa.PublicKey) {
	return &h.keys.Authentication.PublicKey, &h.keys.Encryption.PublicKey
}

// Bank exposes the ledger for scenario seeding and assertions.
func (h *Host) Bank() *DemoBank { return h.bank }

func (h *Host) subscriber(static *etree.Element) (*Subscriber, error) {
	partnerID, err := xmlcodec.RequireChildText(static, "PartnerID")
	if err != nil {
		return nil, err
	}
	userID, err := xmlcodec.RequireChildText(static, "UserID")
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[partnerID+"/"+userID]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown subscriber %s/%s", partnerID, userID)
	}
	return sub, nil
}

// ServeHTTP dispatches on the request root element.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	doc, err := xmlcodec.Parse(body)
	if err != nil || doc.Root() == nil {
		http.Error(w, "malformed XML", http.StatusBadRequest)
		return
	}

	var resp *etree.Document
	switch doc.Root().Tag {
	case "ebicsHEVRequest":
		resp = h.handleHEV()
	case "ebicsUnsecuredRequest":
		resp = h.handleUnsecured(doc)
	case "ebicsNoPubKeyDigestsRequest":
		resp = h.handleHPB(doc)
	case "ebicsRequest":
		resp = h.handleRequest(doc)
	default:
		http.Error(w, "unknown request type", http.StatusBadRequest)
		return
	}

	out, err := xmlcodec.Serialize(resp)
	if err != nil {
		http.Error(w, "render response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=UTF-8")
	w.Write(out)
}

func (h *Host) handleHEV() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("ebicsHEVResponse")
	root.CreateAttr("xmlns", ebics.NamespaceH000)
	src := root.CreateElement("SystemReturnCode")
	src.CreateElement("ReturnCode").SetText(ebics.CodeOK)
	src.CreateElement("ReportText").SetText("[EBICS_OK]")
	vn := root.CreateElement("VersionNumber")
	vn.CreateAttr("ProtocolVersion", "H004")
	vn.SetText("02.50")
	return doc
}

// handleUnsecured processes INI and HIA key uploads.
func (h *Host) handleUnsecured(doc *etree.Document) *etree.Document {
	root := doc.Root()
	static, err := xmlcodec.Descend(root, "header", "static")
	if err != nil {
		return keyManagementResponse(ebics.CodeInvalidRequest, ebics.CodeInvalidRequest, "malformed header")
	}
	sub, err := h.subscriber(static)
	if err != nil {
		return keyManagementResponse(ebics.CodeOK, ebics.CodeInvalidUserState, "unknown subscriber")
	}
	orderType, err := xmlcodec.MaybeDescend(static, "OrderDetails", "OrderType")
	if err != nil || orderType == nil {
		return keyManagementResponse(ebics.CodeInvalidRequest, ebics.CodeInvalidRequest, "missing order type")
	}
	orderData, err := unsecuredOrderData(root)
	if err != nil {
		return keyManagementResponse(ebics.CodeInvalidRequest, ebics.CodeInvalidRequest, "malformed order data")
	}

	switch orderType.Text() {
	case "INI":
		sig, err := parsePubKeyOrderData(orderData, "SignaturePubKeyOrderData", "SignaturePubKeyInfo")
		if err != nil {
			return keyManagementResponse(ebics.CodeOK, ebics.CodeProcessingError, err.Error())
		}
		h.mu.Lock()
		sub.sig = sig
		h.mu.Unlock()
	case "HIA":
		auth, err := parsePubKeyOrderData(orderData, "HIARequestOrderData", "AuthenticationPubKeyInfo")
		if err != nil {
			return keyManagementResponse(ebics.CodeOK, ebics.CodeProcessingError, err.Error())
		}
		enc, err := parsePubKeyOrderData(orderData, "HIARequestOrderData", "EncryptionPubKeyInfo")
		if err != nil {
			return keyManagementResponse(ebics.CodeOK, ebics.CodeProcessingError, err.Error())
		}
		h.mu.Lock()
		sub.auth, sub.enc = auth, enc
		h.mu.Unlock()
	default:
		return keyManagementResponse(ebics.CodeOK, ebics.CodeInvalidOrderType, "unsupported order type")
	}
	h.logger.Info("key upload", "order_type", orderType.Text(), "user_id", sub.UserID)
	return keyManagementResponse(ebics.CodeOK, ebics.CodeOK, "")
}

// handleHPB serves the bank's public keys, encrypted to the subscriber.
func (h *Host) handleHPB(doc *etree.Document) *etree.Document {
	static, err := xmlcodec.Descend(doc.Root(), "header", "static")
	if err != nil {
		return keyManagementResponse(ebics.CodeInvalidRequest, ebics.CodeInvalidRequest, "malformed header")
	}
	sub, err := h.subscriber(static)
	if err != nil {
		return keyManagementResponse(ebics.CodeOK, ebics.CodeInvalidUserState, "unknown subscriber")
	}
	if !sub.ready() {
		return keyManagementResponse(ebics.CodeOK, ebics.CodeInvalidUserState, "INI or HIA pending")
	}
	if err := xmlcodec.VerifyEnvelope(doc, sub.auth); err != nil {
		return keyManagementResponse(ebics.CodeAuthenticationFail, ebics.CodeOK, "signature verification failed")
	}

	orderData, err := h.hpbOrderData()
	if err != nil {
		return keyManagementResponse(ebics.CodeInternalError, ebics.CodeOK, "render order data")
	}
	env, err := gwcrypto.EncryptE002(ebics.Deflate(orderData), sub.enc)
	if err != nil {
		return keyManagementResponse(ebics.CodeInternalError, ebics.CodeOK, "encrypt order data")
	}
	resp := keyManagementResponse(ebics.CodeOK, ebics.CodeOK, "")
	attachOrderData(resp, env.WrappedKey, env.Ciphertext)
	return resp
}

func (h *Host) hpbOrderData() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("HPBResponseOrderData")
	root.CreateAttr("xmlns", ebics.NamespaceH004)
	auth := root.CreateElement("AuthenticationPubKeyInfo")
	ebics.RenderRSAKeyValue(auth, &h.keys.Authentication.PublicKey)
	auth.CreateElement("AuthenticationVersion").SetText("X002")
	enc := root.CreateElement("EncryptionPubKeyInfo")
	ebics.RenderRSAKeyValue(enc, &h.keys.Encryption.PublicKey)
	enc.CreateElement("EncryptionVersion").SetText("E002")
	root.CreateElement("HostID").SetText(h.hostID)
	return doc.WriteToBytes()
}

// handleRequest drives download and upload transactions.
func (h *Host) handleRequest(doc *etree.Document) *etree.Document {
	root := doc.Root()
	header, err := xmlcodec.RequireUniqueChild(root, "header")
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	static, err := xmlcodec.RequireUniqueChild(header, "static")
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	phase, err := xmlcodec.MaybeDescend(header, "mutable", "TransactionPhase")
	if err != nil || phase == nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}

	switch phase.Text() {
	case "Initialisation":
		return h.handleInit(doc, static)
	case "Transfer":
		return h.handleTransfer(doc, header, static)
	case "Receipt":
		return h.handleReceipt(static)
	}
	return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
}

func (h *Host) handleInit(doc *etree.Document, static *etree.Element) *etree.Document {
	sub, err := h.subscriber(static)
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeOK, Business: ebics.CodeInvalidUserState}))
	}
	if !sub.ready() {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeOK, Business: ebics.CodeInvalidUserState}))
	}
	if err := xmlcodec.VerifyEnvelope(doc, sub.auth); err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeAuthenticationFail, Business: ebics.CodeOK}))
	}
	details, err := xmlcodec.RequireUniqueChild(static, "OrderDetails")
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	orderType, err := xmlcodec.RequireChildText(details, "OrderType")
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	attribute, _ := xmlcodec.ChildText(details, "OrderAttribute")

	if attribute == "OZHNN" {
		return h.handleUploadInit(doc.Root(), static, sub, orderType)
	}
	return h.handleDownloadInit(sub, orderType)
}

func (h *Host) handleDownloadInit(sub *Subscriber, orderType string) *etree.Document {
	var payload []byte
	switch orderType {
	case "C52", "C53":
		docs, err := h.bank.Statement(sub.AccountIBANs)
		if err != nil {
			return h.signed(hostResponse(responseParams{Technical: ebics.CodeInternalError, Business: ebics.CodeOK}))
		}
		if len(docs) == 0 {
			return h.signed(hostResponse(responseParams{Technical: ebics.CodeOK, Business: ebics.CodeNoDownloadData}))
		}
		payload, err = zipDocuments(docs)
		if err != nil {
			return h.signed(hostResponse(responseParams{Technical: ebics.CodeInternalError, Business: ebics.CodeOK}))
		}
	case "HTD":
		var err error
		payload, err = h.htdOrderData(sub)
		if err != nil {
			return h.signed(hostResponse(responseParams{Technical: ebics.CodeInternalError, Business: ebics.CodeOK}))
		}
	default:
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeOK, Business: ebics.CodeInvalidOrderType}))
	}

	env, err := gwcrypto.EncryptE002(ebics.Deflate(payload), sub.enc)
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInternalError, Business: ebics.CodeOK}))
	}
	segments := splitChunks(env.Ciphertext, 1<<20)

	h.mu.Lock()
	h.txSeq++
	txID := fmt.Sprintf("T%08d", h.txSeq)
	h.sessions[txID] = &session{sub: sub, orderType: orderType, segments: segments}
	h.mu.Unlock()

	h.logger.Info("download opened", "order_type", orderType, "tx_id", txID, "segments", len(segments))
	return h.signed(hostResponse(responseParams{
		Technical:     ebics.CodeOK,
		Business:      ebics.CodeOK,
		TransactionID: txID,
		NumSegments:   len(segments),
		Phase:         "Initialisation",
		WrappedKey:    env.WrappedKey,
		OrderData:     segments[0],
	}))
}

func (h *Host) handleUploadInit(root, static *etree.Element, sub *Subscriber, orderType string) *etree.Document {
	if orderType != "CCT" {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeOK, Business: ebics.CodeInvalidOrderType}))
	}
	totalText, err := xmlcodec.RequireChildText(static, "NumSegments")
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	total, err := strconv.Atoi(totalText)
	if err != nil || total < 1 {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	transfer, err := xmlcodec.MaybeDescend(root, "body", "DataTransfer")
	if err != nil || transfer == nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	wrappedKey, err := base64Child(transfer, "DataEncryptionInfo", "TransactionKey")
	if err != nil || wrappedKey == nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	sigText, err := xmlcodec.RequireChildText(transfer, "SignatureData")
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	encSignature, err := base64.StdEncoding.DecodeString(sigText)
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}

	h.mu.Lock()
	h.txSeq++
	h.orderSeq++
	txID := fmt.Sprintf("T%08d", h.txSeq)
	orderID := fmt.Sprintf("A%03X", h.orderSeq)
	h.sessions[txID] = &session{
		sub:          sub,
		orderType:    orderType,
		upload:       true,
		total:        total,
		wrappedKey:   wrappedKey,
		encSignature: encSignature,
	}
	h.mu.Unlock()

	h.logger.Info("upload opened", "order_type", orderType, "tx_id", txID, "order_id", orderID)
	return h.signed(hostResponse(responseParams{
		Technical:     ebics.CodeOK,
		Business:      ebics.CodeOK,
		TransactionID: txID,
		OrderID:       orderID,
		Phase:         "Initialisation",
	}))
}

func (h *Host) handleTransfer(doc *etree.Document, header, static *etree.Element) *etree.Document {
	txID, err := xmlcodec.RequireChildText(static, "TransactionID")
	if err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	h.mu.Lock()
	sess, ok := h.sessions[txID]
	h.mu.Unlock()
	if !ok {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeTxIDInvalid, Business: ebics.CodeOK}))
	}
	if err := xmlcodec.VerifyEnvelope(doc, sess.sub.auth); err != nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeAuthenticationFail, Business: ebics.CodeOK}))
	}
	segText, err := xmlcodec.MaybeDescend(header, "mutable", "SegmentNumber")
	if err != nil || segText == nil {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}
	segment, err := strconv.Atoi(segText.Text())
	if err != nil || segment < 1 {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest}))
	}

	if sess.upload {
		return h.handleUploadSegment(doc.Root(), sess, txID, segment)
	}
	if segment > len(sess.segments) {
		return h.signed(hostResponse(responseParams{Technical: ebics.CodeInvalidRequest, Business: ebics.CodeInvalidRequest, TransactionID: txID}))
	}
	return h.signed(hostResponse(responseParams{
		Technical:     ebics.CodeOK,
		Business:      ebics.CodeOK,
		TransactionID: txID,
		Phase:         "Transfer",
		SegmentNumber: segment,
		OrderData:     sess.segments[segment-1],
	}))
}

func (h *Host) handleUploadSegment(root *etree.Element, sess *session, txID string, segment int) *etree.Document {
	data, err := base64Child(root, "body", "DataTransfer", "OrderData")
	if err != nil || data == nil {
		// An empty pain.001 still occupies one segment; accept empty bodies.
		data = nil
	}
	h.mu.Lock()
	sess.received = append(sess.received, data)
	done := len(sess.received) >= sess.total
	h.mu.Unlock()

	if !done {
		return h.signed(hostResponse(responseParams{
			Technical:     ebics.CodeOK,
			Business:      ebics.CodeOK,
			TransactionID: txID,
			Phase:         "Transfer",
			SegmentNumber: segment,
		}))
	}

	business := h.finalizeUpload(sess)
	h.mu.Lock()
	delete(h.sessions, txID)
	h.mu.Unlock()
	h.logger.Info("upload closed", "tx_id", txID, "business_code", business)
	return h.signed(hostResponse(responseParams{
		Technical:     ebics.CodeOK,
		Business:      business,
		TransactionID: txID,
		Phase:         "Transfer",
		SegmentNumber: segment,
	}))
}

// finalizeUpload decrypts, checks the A006 signature, parses the pain.001,
// and books it; the result is the business return code.
func (h *Host) finalizeUpload(sess *session) string {
	var ciphertext []byte
	for _, seg := range sess.received {
		ciphertext = append(ciphertext, seg...)
	}
	txKey, err := h.unwrapKey(sess.wrappedKey)
	if err != nil {
		return ebics.CodeProcessingError
	}
	orderPlain, err := decryptInflate(ciphertext, txKey)
	if err != nil {
		return ebics.CodeProcessingError
	}
	sigPlain, err := decryptInflate(sess.encSignature, txKey)
	if err != nil {
		return ebics.CodeProcessingError
	}
	signature, err := parseUserSignature(sigPlain)
	if err != nil {
		return ebics.CodeProcessingError
	}
	if err := gwcrypto.VerifyA006(signature, orderPlain, sess.sub.sig); err != nil {
		return ebics.CodeSignatureFailed
	}
	init, err := iso20022.ParsePain001(orderPlain)
	if err != nil {
		return ebics.CodeProcessingError
	}
	return h.bank.BookTransfer(init, sess.sub.AccountIBANs)
}

func (h *Host) unwrapKey(wrapped []byte) ([]byte, error) {
	return gwcrypto.UnwrapTransactionKey(wrapped, h.keys.Encryption)
}

func (h *Host) handleReceipt(static *etree.Element) *etree.Document {
	txID, _ := xmlcodec.ChildText(static, "TransactionID")
	h.mu.Lock()
	delete(h.sessions, txID)
	h.mu.Unlock()
	return h.signed(hostResponse(responseParams{
		Technical:     ebics.CodeDownloadPostprocess,
		Business:      ebics.CodeDownloadPostprocess,
		TransactionID: txID,
		Phase:         "Receipt",
	}))
}

// htdOrderData renders a minimal HTDResponseOrderData listing the accounts
// the subscriber may see.
func (h *Host) htdOrderData(sub *Subscriber) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("HTDResponseOrderData")
	root.CreateAttr("xmlns", ebics.NamespaceH004)
	partner := root.CreateElement("PartnerInfo")
	for _, iban := range sub.AccountIBANs {
		acct, ok := h.bank.Account(iban)
		if !ok {
			continue
		}
		info := partner.CreateElement("AccountInfo")
		info.CreateAttr("Currency", acct.Currency)
		number := info.CreateElement("AccountNumber")
		number.CreateAttr("international", "true")
		number.SetText(acct.IBAN)
		bank := info.CreateElement("BankCode")
		bank.CreateAttr("international", "true")
		bank.SetText(acct.BIC)
		info.CreateElement("AccountHolder").SetText(acct.Owner)
	}
	user := root.CreateElement("UserInfo")
	userID := user.CreateElement("UserID")
	userID.CreateAttr("Status", "1")
	userID.SetText(sub.UserID)
	return doc.WriteToBytes()
}

// signed attaches the host authentication signature to a response envelope.
func (h *Host) signed(doc *etree.Document) *etree.Document {
	if err := xmlcodec.SignEnvelope(doc, h.keys.Authentication); err != nil {
		h.logger.Error("sign response", "err", err)
	}
	return doc
}
