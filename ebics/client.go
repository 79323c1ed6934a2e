package ebics

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/fault"
	"ebicsgw/xmlcodec"
)

// DefaultTimeout bounds every upstream exchange.
const DefaultTimeout = 60 * time.Second

// maxResponseBytes caps what we will read from a bank; statements are large
// but bounded.
const maxResponseBytes = 64 << 20

// Client speaks EBICS 2.5 (H004) against one host on behalf of one
// subscriber. It is not safe for concurrent use; the caller serializes per
// connection.
type Client struct {
	cfg      Config
	keys     *gwcrypto.KeyTriple
	bankAuth *rsa.PublicKey
	bankEnc  *rsa.PublicKey

	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// Options tune client construction; zero values get defaults.
type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Now        func() time.Time
	Logger     *slog.Logger
}

// NewClient builds a client for the given subscriber configuration and key
// triple.
func NewClient(cfg Config, keys *gwcrypto.KeyTriple, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient.Timeout = timeout

	limiter := opts.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(10), 10)
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		keys:    keys,
		http:    httpClient,
		limiter: limiter,
		now:     nowFn,
		logger:  logger.With("host_id", cfg.HostID, "user_id", cfg.UserID),
	}
}

// SetBankKeys installs the host keys learned via HPB; data exchange requires
// them.
func (c *Client) SetBankKeys(auth, enc *rsa.PublicKey) {
	c.bankAuth = auth
	c.bankEnc = enc
}

// ready reports whether signed data exchange may proceed.
func (c *Client) ready() bool {
	return c.bankAuth != nil && c.bankEnc != nil
}

// post serializes the envelope, POSTs it, and parses the response envelope.
func (c *Client) post(ctx context.Context, doc *etree.Document) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.Transport, err, "rate limit wait")
	}
	raw, err := xmlcodec.Serialize(doc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return nil, fault.Wrap(fault.Transport, err, "build request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Transport, err, "post to %s", c.cfg.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.Transport, "bank answered HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !xmlcodec.AcceptableContentType(ct) {
		return nil, fault.New(fault.Transport, "unexpected content type %q", ct)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Transport, err, "read response")
	}
	parsed, err := xmlcodec.Parse(body)
	if err != nil {
		return nil, err
	}
	return &response{doc: parsed, root: parsed.Root()}, nil
}

// postSigned signs the envelope with the authentication key, posts it, and
// verifies the bank's own authentication signature when its key is known.
func (c *Client) postSigned(ctx context.Context, doc *etree.Document) (*response, error) {
	if err := xmlcodec.SignEnvelope(doc, c.keys.Authentication); err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, doc)
	if err != nil {
		return nil, err
	}
	if c.bankAuth != nil {
		if err := xmlcodec.VerifyEnvelope(resp.doc, c.bankAuth); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// response wraps a parsed bank answer with destructuring helpers.
type response struct {
	doc  *etree.Document
	root *etree.Element
}

// codes extracts the technical (header) and business (body) return codes.
func (r *response) codes() (codePair, error) {
	pair := codePair{}
	header, err := xmlcodec.RequireUniqueChild(r.root, "header")
	if err != nil {
		return pair, err
	}
	mutable, err := xmlcodec.RequireUniqueChild(header, "mutable")
	if err != nil {
		return pair, err
	}
	if pair.Technical, err = xmlcodec.RequireChildText(mutable, "ReturnCode"); err != nil {
		return pair, err
	}
	body, err := xmlcodec.RequireUniqueChild(r.root, "body")
	if err != nil {
		return pair, err
	}
	if pair.Business, err = xmlcodec.RequireChildText(body, "ReturnCode"); err != nil {
		return pair, err
	}
	return pair, nil
}

func (r *response) transactionID() (string, error) {
	static, err := xmlcodec.Descend(r.root, "header", "static")
	if err != nil {
		return "", err
	}
	return xmlcodec.ChildText(static, "TransactionID")
}

func (r *response) numSegments() (int, error) {
	static, err := xmlcodec.Descend(r.root, "header", "static")
	if err != nil {
		return 0, err
	}
	text, err := xmlcodec.ChildText(static, "NumSegments")
	if err != nil {
		return 0, err
	}
	if text == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		return 0, fault.New(fault.Parse, "invalid NumSegments %q", text)
	}
	return n, nil
}

// orderID returns the bank-assigned order id from the mutable header, empty
// when the bank omits it.
func (r *response) orderID() (string, error) {
	mutable, err := xmlcodec.Descend(r.root, "header", "mutable")
	if err != nil {
		return "", err
	}
	return xmlcodec.ChildText(mutable, "OrderID")
}

// orderData returns the base64-decoded segment body from the response.
func (r *response) orderData() ([]byte, error) {
	body, err := xmlcodec.RequireUniqueChild(r.root, "body")
	if err != nil {
		return nil, err
	}
	transfer, err := xmlcodec.MaybeUniqueChild(body, "DataTransfer")
	if err != nil || transfer == nil {
		return nil, err
	}
	text, err := xmlcodec.ChildText(transfer, "OrderData")
	if err != nil || text == "" {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "decode OrderData")
	}
	return decoded, nil
}

// transactionKey returns the bank-wrapped AES key from DataEncryptionInfo.
func (r *response) transactionKey() ([]byte, error) {
	body, err := xmlcodec.RequireUniqueChild(r.root, "body")
	if err != nil {
		return nil, err
	}
	encInfo, err := xmlcodec.MaybeDescend(body, "DataTransfer", "DataEncryptionInfo")
	if err != nil || encInfo == nil {
		return nil, err
	}
	text, err := xmlcodec.ChildText(encInfo, "TransactionKey")
	if err != nil || text == "" {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fault.Wrap(fault.Parse, err, "decode TransactionKey")
	}
	return decoded, nil
}
