package failure

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
)

// Classify maps a raw failure to exactly one Kind. Errors that are already
// classified keep their kind. Unknown failures are transient: the retry
// budget bounds them and the dead-letter sink catches what is left.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var se *StatusError
	if errors.As(err, &se) {
		e := New(ClassifyStatus(se.StatusCode), op, err)
		e.StatusCode = se.StatusCode
		return e
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return New(classifyAPICode(apiErr.ErrorCode()), op, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Permanent(op, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return Transient(op, err)
	}

	return Transient(op, err)
}

// ClassifyStatus maps an HTTP status code to a Kind.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindCritical
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	case code >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// IsThrottle reports whether err is a rate-limit or throttling response,
// from either an HTTP status or an AWS error code.
func IsThrottle(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return isThrottleCode(apiErr.ErrorCode())
	}
	return false
}

func isThrottleCode(code string) bool {
	switch code {
	case "ThrottlingException",
		"Throttling",
		"ThrottledException",
		"ProvisionedThroughputExceededException",
		"RequestLimitExceeded",
		"TooManyRequestsException",
		"RequestThrottled",
		"RequestThrottledException",
		"SlowDown":
		return true
	}
	return false
}

func classifyAPICode(code string) Kind {
	if isThrottleCode(code) {
		return KindTransient
	}
	switch {
	case strings.HasPrefix(code, "AccessDenied"),
		code == "UnrecognizedClientException",
		code == "InvalidSignatureException",
		code == "ExpiredTokenException",
		code == "InvalidClientTokenId":
		return KindCritical
	case code == "ResourceNotFoundException",
		code == "ValidationException",
		code == "NoSuchBucket":
		return KindPermanent
	}
	return KindTransient
}
