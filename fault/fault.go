package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers can decide between retrying,
// surfacing, and giving up.
type Kind int

const (
	// BadRequest means caller-supplied data is invalid.
	BadRequest Kind = iota
	// NotFound means a referenced entity is absent.
	NotFound
	// Protocol means the bank answered with a non-OK EBICS return code.
	Protocol
	// Crypto means a key, signature, or ciphertext failed validation.
	Crypto
	// Parse means malformed XML, a wrong root element, or an unexpected enum.
	Parse
	// State means the operation is illegal in the current connection state.
	State
	// Transport means a TCP/HTTP failure; always retryable.
	Transport
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case Protocol:
		return "protocol"
	case Crypto:
		return "crypto"
	case Parse:
		return "parse"
	case State:
		return "state"
	case Transport:
		return "transport"
	}
	return "unknown"
}

// Fault is the canonical error shape carried through the gateway. It holds the
// HTTP status the boundary should answer with, a human-readable reason, and,
// for EBICS protocol failures, the bank's business return code.
type Fault struct {
	Kind         Kind
	Reason       string
	BusinessCode string
	Err          error
}

func (f *Fault) Error() string {
	if f.BusinessCode != "" {
		return fmt.Sprintf("%s: %s (ebics %s)", f.Kind, f.Reason, f.BusinessCode)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }

// StatusCode maps the fault onto the HTTP status used at the API boundary.
func (f *Fault) StatusCode() int {
	switch f.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case State:
		return http.StatusConflict
	case Transport:
		return http.StatusBadGateway
	case Protocol, Crypto, Parse:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a later attempt may succeed without operator
// intervention. Transport failures always qualify; protocol failures qualify
// only when the bank signalled a transient (06xxxx) code.
func (f *Fault) Retryable() bool {
	if f.Kind == Transport {
		return true
	}
	if f.Kind == Protocol && len(f.BusinessCode) == 6 && f.BusinessCode[:2] == "06" {
		return true
	}
	return false
}

// New builds a fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds a fault that preserves the underlying error for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// Protocolf builds a protocol fault carrying the bank's business return code.
func Protocolf(businessCode, format string, args ...any) *Fault {
	return &Fault{Kind: Protocol, Reason: fmt.Sprintf(format, args...), BusinessCode: businessCode}
}

// KindOf extracts the fault kind from an error chain, defaulting to Transport
// for plain network-ish errors so the scheduler retries them.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return Transport, false
}

// IsRetryable reports whether any fault in the chain is retryable. Errors that
// carry no fault at all are treated as transport-level and retried.
func IsRetryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable()
	}
	return true
}
