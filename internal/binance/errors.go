// errors.go defines the typed error hierarchy for Binance API failures.
//
// Every non-2xx response (and every 2xx body carrying a business error
// code) is turned into an *APIError whose Kind drives the retry/skip
// decision: the client retries Transient and ClockSkew internally, the
// executor skips BusinessRule and QuoteExpired actions, and everything in
// KindConfig fails the run immediately.
package binance

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes an API failure for policy decisions.
type ErrorKind int

const (
	KindUnknown       ErrorKind = iota
	KindTransient               // network timeout, 429/418/5xx, -1003
	KindClockSkew               // -1021: timestamp outside recvWindow
	KindConfig                  // -1022 bad signature, -2015 permission
	KindClientRequest           // -1102 missing param, -1111 bad precision
	KindBusinessRule            // insufficient balance, below min / above max, delisted
	KindQuoteExpired            // quote validTimestamp passed
	KindDailyLimit              // convert hourly/daily quota exhausted
)

// String returns the reason-code label used in logs and history records.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindClockSkew:
		return "clock_skew"
	case KindConfig:
		return "config"
	case KindClientRequest:
		return "client_request"
	case KindBusinessRule:
		return "business_rule"
	case KindQuoteExpired:
		return "quote_expired"
	case KindDailyLimit:
		return "daily_limit"
	default:
		return "unknown"
	}
}

// Binance business error codes the policy table keys on.
const (
	codeRateLimit    = -1003
	codeTimestamp    = -1021
	codeBadSignature = -1022
	codeMissingParam = -1102
	codeBadPrecision = -1111
	codeNoPermission = -2015
	codeConvertQuota = 345239
)

// APIError is a categorized Binance API failure.
type APIError struct {
	Status int    // HTTP status (0 for transport errors)
	Code   int    // Binance business error code, if any
	Msg    string // upstream message
	Kind   ErrorKind
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance: code %d (%s): %s", e.Code, e.Kind, e.Msg)
	}
	return fmt.Sprintf("binance: status %d (%s): %s", e.Status, e.Kind, e.Msg)
}

// Retryable reports whether the client should retry this failure.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindClockSkew
}

// classify derives the policy Kind from HTTP status, business code and
// message text.
func classify(status, code int, msg string) ErrorKind {
	switch code {
	case codeRateLimit:
		return KindTransient
	case codeTimestamp:
		return KindClockSkew
	case codeBadSignature, codeNoPermission:
		return KindConfig
	case codeMissingParam, codeBadPrecision:
		return KindClientRequest
	case codeConvertQuota:
		return KindDailyLimit
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "quote expired"), strings.Contains(lower, "quote has expired"):
		return KindQuoteExpired
	case strings.Contains(lower, "hourly"), strings.Contains(lower, "daily limit"):
		return KindDailyLimit
	case strings.Contains(lower, "insufficient balance"),
		strings.Contains(lower, "less than the minimum"),
		strings.Contains(lower, "greater than the maximum"),
		strings.Contains(lower, "delisted"),
		strings.Contains(lower, "not supported"):
		return KindBusinessRule
	}

	switch {
	case status == 429 || status == 418 || status >= 500:
		return KindTransient
	case status >= 400:
		return KindClientRequest
	}
	return KindUnknown
}

// newAPIError builds a classified APIError.
func newAPIError(status, code int, msg string) *APIError {
	return &APIError{Status: status, Code: code, Msg: msg, Kind: classify(status, code, msg)}
}

// KindOf extracts the policy kind from any error chain. Transport errors
// (non-APIError) are treated as transient per the retry taxonomy.
func KindOf(err error) ErrorKind {
	var api *APIError
	if errors.As(err, &api) {
		return api.Kind
	}
	if err != nil {
		return KindTransient
	}
	return KindUnknown
}

// CodeOf extracts the Binance business code, or 0.
func CodeOf(err error) int {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code
	}
	return 0
}

// ErrDuplicateAccept marks an acceptQuote call intercepted by the
// idempotency shield. It is informational, not a failure.
var ErrDuplicateAccept = errors.New("binance: quoteId already accepted")
