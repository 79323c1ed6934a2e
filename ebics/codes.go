package ebics

import (
	"strings"

	"ebicsgw/fault"
)

// EBICS return codes. Every exchange yields two: a technical code from the
// transport header and a business code from the response body; success
// requires both to be EBICS_OK.
const (
	CodeOK                  = "000000"
	CodeDownloadPostprocess = "011000"
	CodeAuthenticationFail  = "061001"
	CodeInvalidRequest      = "061002"
	CodeInternalError       = "061099"
	CodeTxRecoveryFail      = "061101"
	CodeInvalidUserState    = "091002"
	CodeAccountAuthFailed   = "090003"
	CodeNoDownloadData      = "090005"
	CodeTxIDInvalid         = "091101"
	CodeProcessingError     = "091116"
	CodeInvalidOrderType    = "091005"
	CodeSignatureFailed     = "091301"
)

var codeNames = map[string]string{
	CodeOK:                  "EBICS_OK",
	CodeDownloadPostprocess: "EBICS_DOWNLOAD_POSTPROCESS_DONE",
	CodeAuthenticationFail:  "EBICS_AUTHENTICATION_FAILED",
	CodeInvalidRequest:      "EBICS_INVALID_REQUEST",
	CodeInternalError:       "EBICS_INTERNAL_ERROR",
	CodeTxRecoveryFail:      "EBICS_TX_RECOVERY_FAILED",
	CodeInvalidUserState:    "EBICS_INVALID_USER_STATE",
	CodeAccountAuthFailed:   "EBICS_ACCOUNT_AUTHORISATION_FAILED",
	CodeNoDownloadData:      "EBICS_NO_DOWNLOAD_DATA_AVAILABLE",
	CodeTxIDInvalid:         "EBICS_TX_UNKNOWN_TXID",
	CodeProcessingError:     "EBICS_PROCESSING_ERROR",
	CodeInvalidOrderType:    "EBICS_UNSUPPORTED_ORDER_TYPE",
	CodeSignatureFailed:     "EBICS_SIGNATURE_VERIFICATION_FAILED",
}

// CodeName returns the symbolic EBICS name for a return code, or the numeric
// form when unknown.
func CodeName(code string) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return code
}

// Transient reports whether a non-OK code is worth retrying. 06xxxx transport
// codes are transient; 09xxxx business codes are final for the request.
func Transient(code string) bool {
	return strings.HasPrefix(code, "06")
}

// codePair carries the two return codes of one exchange.
type codePair struct {
	Technical string
	Business  string
}

func (p codePair) ok() bool {
	return p.Technical == CodeOK && p.Business == CodeOK
}

// fail converts a non-OK pair into a fault. The business code wins when both
// are set; technical transport failures map to retryable protocol faults.
func (p codePair) fail(context string) error {
	code := p.Business
	if code == CodeOK || code == "" {
		code = p.Technical
	}
	return fault.Protocolf(code, "%s: bank returned %s", context, CodeName(code))
}
