package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Failure kinds. Provider clients join one of these with an APIError so that
// callers branch with errors.Is instead of matching messages.
var (
	// ErrNetwork covers timeouts, refused connections and 5xx responses.
	ErrNetwork = errors.New("network failure")
	// ErrAuth covers bad keys, invalid signatures and timestamp skew.
	ErrAuth = errors.New("authentication failure")
	// ErrValidation means a quantity or price is outside instrument bounds.
	ErrValidation = errors.New("validation failure")
	// ErrRateLimited means the exchange throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrBusinessRejected is an exchange-specific refusal of a well-formed request.
	ErrBusinessRejected = errors.New("business rejected")
	// ErrUnconfirmed means the state of a submitted order could not be established.
	ErrUnconfirmed = errors.New("order unconfirmed")
)

// Refinements joined in addition to a kind.
var (
	ErrLeverageNotModified = errors.New("leverage not modified")
	ErrQtyBelowMinimum     = errors.New("quantity below minimum")
	ErrPriceInvalid        = errors.New("price rejected by exchange")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNoPosition          = errors.New("no position")
	ErrSymbolNotFound      = errors.New("symbol not found")
)

// Kind is the failure taxonomy name of an error.
type Kind string

const (
	KindNone             Kind = ""
	KindNetwork          Kind = "NetworkFail"
	KindAuth             Kind = "AuthFail"
	KindValidation       Kind = "ValidationFail"
	KindRateLimited      Kind = "RateLimited"
	KindBusinessRejected Kind = "BusinessRejected"
	KindUnconfirmed      Kind = "Unconfirmed"
	KindUnknown          Kind = "Unknown"
)

// KindOf maps err onto the failure taxonomy. Transport errors that were never
// classified by a client count as network failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrBusinessRejected):
		return KindBusinessRejected
	case errors.Is(err, ErrUnconfirmed):
		return KindUnconfirmed
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether a request that failed with err may be resent.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindRateLimited
}

// TripsBreaker reports whether err indicates an unhealthy endpoint rather
// than a business answer from a healthy one.
func TripsBreaker(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited, KindAuth:
		return true
	}
	return false
}

// APIError is an error envelope returned by an exchange.
type APIError struct {
	Exchange   string
	HTTPStatus int
	Code       int
	Msg        string
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s api error: status=%d code=%d msg=%s", e.Exchange, e.HTTPStatus, e.Code, e.Msg)
}

// Classify joins apiErr with kinds, dropping nils and duplicates.
func Classify(apiErr APIError, kinds ...error) error {
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	for _, k := range kinds {
		if k == nil {
			continue
		}
		dup := false
		for _, existing := range chain {
			if existing == k {
				dup = true
				break
			}
		}
		if !dup {
			chain = append(chain, k)
		}
	}
	if len(chain) == 1 {
		return apiErr
	}
	return errors.Join(chain...)
}

// AsAPIError extracts the exchange envelope from err.
func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

// IsAPIErrorCode reports whether err carries one of codes.
func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}

// NormalizeMsg lower-cases and trims an exchange message for table lookups.
func NormalizeMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

// HTTPStatusKind classifies a non-2xx response that carried no parsable envelope.
func HTTPStatusKind(status int) error {
	switch {
	case status == 429 || status == 418:
		return ErrRateLimited
	case status == 401 || status == 403:
		return ErrAuth
	case status >= 500:
		return ErrNetwork
	case status >= 400:
		return ErrValidation
	}
	return nil
}
