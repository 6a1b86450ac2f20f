package gateway

import (
	"fmt"

	"execution-core/pkg/config"
	exfutusdt "execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/bybit"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

// Options carries the resilience settings shared by every venue.
type Options struct {
	Retry   config.RetryConfig
	Breaker config.BreakerConfig
}

// ClientFactory creates the exchange client for one configured venue together
// with the breaker guarding it.
type ClientFactory func(ex config.ExchangeConfig, opts Options) (exchange.ExchangeClient, *resilience.Breaker, error)

// RetryPolicy converts the configured retry settings.
func RetryPolicy(rc config.RetryConfig) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: rc.MaxAttempts,
		Backoff: resilience.Backoff{
			Initial: rc.InitialDelay,
			Max:     rc.MaxDelay,
			Base:    rc.BackoffBase,
			Jitter:  rc.Jitter,
		},
	}
}

// DefaultFactory creates Binance USDT-M futures and Bybit v5 linear clients.
func DefaultFactory(ex config.ExchangeConfig, opts Options) (exchange.ExchangeClient, *resilience.Breaker, error) {
	breaker := resilience.NewBreaker(ex.Name, opts.Breaker.FailureThreshold, opts.Breaker.RecoveryTimeout)
	retry := RetryPolicy(opts.Retry)

	switch ex.Name {
	case exchange.ExchangeBinance:
		return exfutusdt.NewClient(exfutusdt.Config{
			APIKey:     ex.APIKey,
			APISecret:  ex.APISecret,
			Testnet:    ex.Testnet,
			RecvWindow: ex.RecvWindow,
			RatePerSec: ex.RatePerSec,
			RateBurst:  ex.RateBurst,
			Breaker:    breaker,
			Retry:      retry,
		}), breaker, nil

	case exchange.ExchangeBybit:
		return bybit.NewClient(bybit.Config{
			APIKey:     ex.APIKey,
			APISecret:  ex.APISecret,
			Testnet:    ex.Testnet,
			RecvWindow: ex.RecvWindow,
			RatePerSec: ex.RatePerSec,
			RateBurst:  ex.RateBurst,
			Breaker:    breaker,
			Retry:      retry,
		}), breaker, nil

	default:
		return nil, nil, fmt.Errorf("unsupported exchange: %s", ex.Name)
	}
}
