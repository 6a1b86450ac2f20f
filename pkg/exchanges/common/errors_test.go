package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	apiErr := APIError{Exchange: "binance", HTTPStatus: 400, Code: -1022, Msg: "Signature for this request is not valid."}
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"auth", Classify(apiErr, ErrAuth), KindAuth},
		{"wrapped rate limit", fmt.Errorf("submit: %w", Classify(apiErr, ErrRateLimited)), KindRateLimited},
		{"price invalid is validation", Classify(apiErr, ErrValidation, ErrPriceInvalid), KindValidation},
		{"leverage benign", Classify(apiErr, ErrBusinessRejected, ErrLeverageNotModified), KindBusinessRejected},
		{"deadline", fmt.Errorf("do request: %w", context.DeadlineExceeded), KindNetwork},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestRetryPolicyHelpers(t *testing.T) {
	apiErr := APIError{Exchange: "bybit", Code: 10006}
	if !Retryable(Classify(apiErr, ErrRateLimited)) {
		t.Fatalf("rate limited should be retryable")
	}
	if Retryable(Classify(apiErr, ErrAuth)) {
		t.Fatalf("auth must not be retried")
	}
	if !TripsBreaker(Classify(apiErr, ErrAuth)) {
		t.Fatalf("auth should trip the breaker")
	}
	if TripsBreaker(Classify(apiErr, ErrValidation)) {
		t.Fatalf("validation should not trip the breaker")
	}
}

func TestClassifyKeepsAPIError(t *testing.T) {
	err := Classify(APIError{Exchange: "binance", Code: -4028, Msg: "leverage not modified"}, ErrBusinessRejected, ErrLeverageNotModified, ErrBusinessRejected)
	if !IsAPIErrorCode(err, -4028) {
		t.Fatalf("expected code -4028 in %v", err)
	}
	if !errors.Is(err, ErrLeverageNotModified) {
		t.Fatalf("expected ErrLeverageNotModified in %v", err)
	}
}
